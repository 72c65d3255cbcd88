package application

import (
	"github.com/cockroachdb/errors"

	zlog "github.com/lk2023060901/jiscord-gateway/pkg/log"
	zviper "github.com/lk2023060901/jiscord-gateway/pkg/util/viper"
)

// InitGlobalLoggerFromEnv 按 GATEWAY_LOG_* 环境变量配置进程级日志。
//
//   - GATEWAY_LOG_ENABLE: 为 false 时丢弃所有输出，默认 true。
//   - GATEWAY_LOG_LEVEL: 日志级别，默认 info。
//   - GATEWAY_LOG_STDOUT: 是否输出到标准输出，默认 true。
//   - GATEWAY_LOG_FORMAT: text、console 或 json，默认 text。
//   - GATEWAY_LOG_FILE_DIR / GATEWAY_LOG_FILE: 文件日志目录与文件名，文件名为空表示不写文件。
func InitGlobalLoggerFromEnv() error {
	cfg := &zlog.Config{
		Level:               zlog.GetenvDefault("GATEWAY_LOG_LEVEL", "info"),
		Format:              zlog.GetenvDefault("GATEWAY_LOG_FORMAT", zlog.FormatText),
		Stdout:              zlog.GetenvBool("GATEWAY_LOG_STDOUT", true),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: zlog.GetenvDefault("GATEWAY_LOG_FILE_DIR", ""),
			Filename: zlog.GetenvDefault("GATEWAY_LOG_FILE", ""),
		},
	}
	if !zlog.GetenvBool("GATEWAY_LOG_ENABLE", true) {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggers 根据配置文件中的 logging 段创建具名日志实例。
//
//	logging:
//	  fanout:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: fanout.log
func initModuleLoggers(v *zviper.Config) (map[string]*zlog.MLogger, error) {
	if v == nil {
		return nil, nil
	}
	raw := make(map[string]zlog.Config)
	if err := v.UnmarshalKey("logging", &raw); err != nil {
		return nil, errors.Wrap(err, "parse logging section")
	}

	loggers := make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return nil, errors.Wrapf(err, "init module logger %q", name)
		}
		loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return loggers, nil
}
