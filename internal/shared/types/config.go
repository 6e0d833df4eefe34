package types

// LocalConf 包含本地服务 (Web 控制台) 的配置
type LocalConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// OverlayConf 描述覆盖网络 (I2P router) 暴露的本地代理监听器。
// 路由器本身的生命周期不由本程序管理。
type OverlayConf struct {
	Host        string `ini:"host"`
	HTTPPort    int    `ini:"http_port"`    // 目录抓取走这个端口
	HTTPSPort   int    `ini:"https_port"`   // CONNECT 隧道走这个端口
	RouteAll    bool   `ini:"route_all"`    // true: 所有端点都经由覆盖网络拨号; false: 只有 .i2p 端点
	DialTimeout int    `ini:"dial_timeout"` // seconds
}

// DirectoryConf 描述 outproxy 目录服务
type DirectoryConf struct {
	URL       string `ini:"url"`
	Timeout   int    `ini:"timeout"` // seconds
	UserAgent string `ini:"user_agent"`
}

// Config 是项目的静态行为配置 (outproxy.ini)。
// 可在运行时调整的参数放在 settings.json 中, 由 SettingsManager 管理。
type Config struct {
	LocalConf     `ini:"local"`
	LogConf       `ini:"log"`
	OverlayConf   `ini:"overlay"`
	DirectoryConf `ini:"directory"`
}
