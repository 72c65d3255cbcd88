package viper

import (
	"path/filepath"
	"strings"
	"time"

	spfviper "github.com/spf13/viper"
)

// Config 封装 spf13/viper 实例，对外提供精简的 YAML/JSON 配置加载接口，
// 并支持默认值与环境变量覆盖。
type Config struct {
	v *spfviper.Viper
}

// New 创建一个空的 Config，键名中的 "." 与 "-" 在匹配环境变量时替换为 "_"。
func New() *Config {
	v := spfviper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	return &Config{v: v}
}

// LoadFile 将 YAML 或 JSON 配置文件加载到 Config 中。
// 文件类型通过扩展名（.yaml/.yml/.json）推断。
func (c *Config) LoadFile(path string) error {
	c.v.SetConfigFile(path)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	default:
		// 让 viper 自行推断类型，或在读取时返回清晰的错误信息。
	}

	return c.v.ReadInConfig()
}

// SetDefault 设置 key 的默认值，优先级最低。
func (c *Config) SetDefault(key string, value any) {
	c.v.SetDefault(key, value)
}

// Set 显式设置 key 的值，优先级最高。
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

// BindEnv 将 key 绑定到一个或多个环境变量，先出现的变量优先。
func (c *Config) BindEnv(key string, envs ...string) error {
	return c.v.BindEnv(append([]string{key}, envs...)...)
}

// AutomaticEnv 以 prefix 为前缀自动匹配环境变量，如 GATEWAY_SERVER_PORT。
func (c *Config) AutomaticEnv(prefix string) {
	c.v.SetEnvPrefix(prefix)
	c.v.AutomaticEnv()
}

func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *Config) GetInt64(key string) int64 {
	return c.v.GetInt64(key)
}

func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

// GetStringSlice 读取字符串列表，环境变量中的逗号分隔值会被拆分。
func (c *Config) GetStringSlice(key string) []string {
	raw := c.v.GetStringSlice(key)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Unmarshal 将完整配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) Unmarshal(dst interface{}) error {
	return c.v.Unmarshal(dst)
}

// UnmarshalKey 将指定 key 对应的子配置反序列化到 dst。
// dst 应为结构体或 map 的指针。
func (c *Config) UnmarshalKey(key string, dst interface{}) error {
	return c.v.UnmarshalKey(key, dst)
}
