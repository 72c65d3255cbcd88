package log

import (
	"bytes"

	"go.uber.org/zap/zaptest"
)

// testingWriter 把日志转发到 t.Logf，供 InitTestLogger 使用。
type testingWriter struct {
	t zaptest.TestingT
	// failOnWrite 为 true 时每次写入都会标记测试失败，用于 zap 内部错误输出。
	failOnWrite bool
}

func newTestingWriter(t zaptest.TestingT) testingWriter {
	return testingWriter{t: t}
}

func (w testingWriter) failing() testingWriter {
	w.failOnWrite = true
	return w
}

func (w testingWriter) Write(p []byte) (int, error) {
	// t.Logf 自带换行。
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if w.failOnWrite {
		w.t.Fail()
	}
	return len(p), nil
}

func (w testingWriter) Sync() error {
	return nil
}
