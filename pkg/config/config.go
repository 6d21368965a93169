package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LoadAndWatch 加载 config/{service}.yaml 并监听热更新。
// 环境变量覆盖，例如：
//
//	FEED_SERVICE_HTTP_ADDR 覆盖 http.addr
//	FEED_SERVICE_REDIS_ADDR 覆盖 redis.addr
//
// 注意：数据源描述符（sources.*）只在启动时读取一次；热更新只对
// 调优参数（冷却时间、方差阈值等）生效，描述符本身加载后不可变。
// onReload 在每次成功重载后依次调用（宿主把新值推给引擎/监控）。
func LoadAndWatch(service string, out interface{}, onReload ...func()) (*viper.Viper, error) {
	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".") // 兜底，直接放当前目录也行

	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	// 监听文件变更，热更新到 out
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)

		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		for _, fn := range onReload {
			fn()
		}
		log.Printf("[%s] config reloaded OK", service)
	})

	return v, nil
}
