package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"outproxy_nexus/internal/app"
	"outproxy_nexus/internal/shared/config"
	"outproxy_nexus/internal/shared/logger"
	manager "outproxy_nexus/proxypool"
	"outproxy_nexus/proxypool/model"
	"outproxy_nexus/proxypool/router"
)

var (
	// 全局变量，用于持有当前为移动端运行的唯一 AppServer 实例
	activeAppServer *app.AppServer
	instanceMutex   sync.Mutex
)

// callTimeout 限制单次绑定调用 (抓取、测试) 的时长。
const callTimeout = 2 * time.Minute

// ResponseData 是 MakeRequest 返回给移动端的结构。
type ResponseData struct {
	Status    int                 `json:"status"`
	Headers   map[string][]string `json:"headers"`
	Body      string              `json:"body"`
	ProxyUsed string              `json:"proxy_used"`
}

// Start is the main entry point for mobile clients.
// It starts the Go core in-memory, without any file I/O for configuration.
// iniContent: A string containing the content of an outproxy.ini file.
// settingsJson: settings.json 的内容, 可以为空。
func Start(iniContent, settingsJson string) (err error) {
	// Defer a panic handler to convert panics into errors, which is safer for CGo boundaries.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic: %v\n\n%s", r, debug.Stack())
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		return fmt.Errorf("service is already running")
	}

	// 1. Parse iniContent string to get the configuration struct.
	cfg := config.Default()
	if err := config.LoadIniContent(cfg, []byte(iniContent)); err != nil {
		return fmt.Errorf("failed to parse ini content: %w", err)
	}

	// 2. 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Debug().Msg("Configuring and starting Go core for mobile (in-memory)...")

	// 3. Create a new AppServer instance. File paths are empty as we are in memory mode.
	appServer, err := app.NewForMobile(cfg, settingsJson)
	if err != nil {
		return err
	}
	if err := appServer.Start(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Failed to start app server in mobile mode")
		return err
	}

	activeAppServer = appServer
	logger.Debug().Msg("Go core started successfully.")
	return nil
}

// Stop stops the Go core.
func Stop() {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		logger.Debug().Msg("Stopping Go core for mobile...")
		activeAppServer.Stop()
		activeAppServer = nil
	}
}

func running() (*manager.Manager, error) {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	if activeAppServer == nil {
		return nil, fmt.Errorf("service is not running")
	}
	return activeAppServer.Manager(), nil
}

// FetchProxies 抓取目录, 返回端点数组的 JSON 字符串。
func FetchProxies() (endpointsJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in FetchProxies: %v\n\n%s", r, debug.Stack())
			endpointsJson = "[]"
		}
	}()

	m, err := running()
	if err != nil {
		return "[]", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	eps, err := m.FetchProxies(ctx)
	if err != nil {
		return "[]", err
	}
	data, err := json.Marshal(eps)
	if err != nil {
		return "[]", fmt.Errorf("failed to marshal endpoints: %w", err)
	}
	return string(data), nil
}

// TestProxies 测试给定端点。endpointsJson 是端点对象或 "scheme://host:port" 字符串的数组,
// 返回 [{endpoint, success, throughput, ...}] 的 JSON 字符串。
func TestProxies(endpointsJson string) (resultsJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in TestProxies: %v\n\n%s", r, debug.Stack())
			resultsJson = "[]"
		}
	}()

	eps, err := model.DecodeEndpoints([]byte(endpointsJson))
	if err != nil {
		return "[]", err
	}
	m, err := running()
	if err != nil {
		return "[]", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	measurements, err := m.TestProxies(ctx, eps)
	if err != nil {
		return "[]", err
	}
	data, err := json.Marshal(manager.Summarize(measurements))
	if err != nil {
		return "[]", fmt.Errorf("failed to marshal results: %w", err)
	}
	return string(data), nil
}

// MakeRequest 通过当前最优端点执行请求。headersJson 是 {"Name": "value"} 或 {"Name": ["v1", "v2"]}。
// 返回 {status, headers, body, proxy_used} 的 JSON 字符串。
func MakeRequest(url, method, headersJson, body string) (responseJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in MakeRequest: %v\n\n%s", r, debug.Stack())
			responseJson = ""
		}
	}()

	header, err := decodeHeaders(headersJson)
	if err != nil {
		return "", err
	}
	m, err := running()
	if err != nil {
		return "", err
	}

	resp, err := m.MakeRequest(context.Background(), router.Request{
		URL:    url,
		Method: method,
		Header: header,
		Body:   []byte(body),
	})
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(ResponseData{
		Status:    resp.Status,
		Headers:   resp.Header,
		Body:      string(resp.Body),
		ProxyUsed: resp.ProxyUsed.Key(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal response: %w", err)
	}
	return string(data), nil
}

func decodeHeaders(headersJson string) (http.Header, error) {
	header := make(http.Header)
	if headersJson == "" {
		return header, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(headersJson), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers JSON: %w", err)
	}
	for name, v := range raw {
		var single string
		if json.Unmarshal(v, &single) == nil {
			header.Add(name, single)
			continue
		}
		var multi []string
		if err := json.Unmarshal(v, &multi); err != nil {
			return nil, fmt.Errorf("header %s: expected a string or a list of strings", name)
		}
		for _, s := range multi {
			header.Add(name, s)
		}
	}
	return header, nil
}

// QueryStatus 返回引擎状态的 JSON 字符串。
func QueryStatus() (statusJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in QueryStatus: %v\n\n%s", r, debug.Stack())
			statusJson = "{}" // 在 panic 时返回一个空的 JSON 对象，避免 Kotlin 端崩溃
		}
	}()

	m, err := running()
	if err != nil {
		return "{}", nil // 服务未运行，返回空对象
	}
	data, err := json.Marshal(m.Status())
	if err != nil {
		return "{}", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}
