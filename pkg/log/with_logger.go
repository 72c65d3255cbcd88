package log

import "go.uber.org/atomic"

// Binder 嵌入到组件中，为组件提供可替换的 Logger。
//
//	type Bridge struct {
//		log.Binder
//		...
//	}
//	b.SetLogger(log.With(log.FieldComponent("fanout")))
type Binder struct {
	logger atomic.Pointer[MLogger]
}

func (b *Binder) SetLogger(logger *MLogger) {
	b.logger.Store(logger)
}

// Logger 返回绑定的 Logger，未绑定时返回全局 Logger。
func (b *Binder) Logger() *MLogger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return With()
}
