package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// SettingsManager 是运行时配置的核心管理器。
// 它线程安全，并使用原子操作和发布/订阅模式来处理配置的读取和热重载。
type SettingsManager struct {
	filePath    string
	settings    atomic.Value // 存储一个 *RuntimeSettings 指针，用于无锁读取
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // 用于保护 subscribers map 和文件写入操作
}

// NewSettingsManager 创建并初始化一个新的配置管理器。
// 它会立即从指定的路径加载配置，如果文件不存在，则会创建一个默认配置。
// filePath 为空时只在内存中运行 (移动端)。
func NewSettingsManager(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(createDefaultSettings())
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}

	return sm, nil
}

// NewSettingsManagerFromJSON builds an in-memory manager seeded from raw JSON.
func NewSettingsManagerFromJSON(data []byte) (*SettingsManager, error) {
	sm := &SettingsManager{subscribers: make(map[string][]ConfigurableModule)}
	s, err := parse(data)
	if err != nil {
		return nil, err
	}
	sm.settings.Store(s)
	return sm, nil
}

// load 从磁盘加载 settings.json 文件。
// 如果文件不存在，它会初始化一个默认配置并写入磁盘。
func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
		settings := createDefaultSettings()
		if err := sm.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
		sm.settings.Store(settings)
		return nil
	}

	settings, err := parse(data)
	if err != nil {
		return err
	}
	sm.settings.Store(settings)
	return nil
}

func parse(data []byte) (*RuntimeSettings, error) {
	settings := &RuntimeSettings{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings.json: %w", err)
		}
	}
	ensureDefaultModules(settings)
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Register 将一个模块注册为特定配置主题的订阅者。
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get 返回当前运行时配置的一个快照。此操作是无锁的。
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Update 接收一个模块的原始 JSON 数据，校验后原子性地替换内存中的配置、
// 持久化到磁盘，并通知所有相关订阅者。非法值返回 *config.ConfigError, 配置保持不变。
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// 1. 深拷贝当前的配置，以避免竞态条件
	newSettings := deepCopy(sm.Get())

	// 2. 将新的JSON数据反序列化到新配置的对应模块上
	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}
	if err := newSettings.Validate(); err != nil {
		return err
	}

	// 3. 持久化到文件 (仅在 PC 模式下)
	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	// 4. 原子地替换内存中的配置指针
	sm.settings.Store(newSettings)

	// 5. 异步通知订阅者
	go sm.notify(moduleKey, targetModule)

	return nil
}

// Reload 从磁盘重新读取配置 (文件被外部修改时由 Watch 调用)，并通知全部订阅者。
func (sm *SettingsManager) Reload() error {
	if sm.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	newSettings, err := parse(data)
	if err != nil {
		return err
	}

	sm.mu.Lock()
	cur := sm.Get()
	if *cur.Engine == *newSettings.Engine && *cur.Probe == *newSettings.Probe {
		// 自己 persist 引起的文件事件
		sm.mu.Unlock()
		return nil
	}
	sm.settings.Store(newSettings)
	sm.mu.Unlock()

	log.Info().Str("path", sm.filePath).Msg("settings.json changed on disk, reloaded.")
	if *cur.Engine != *newSettings.Engine {
		sm.notify(ModuleEngine, newSettings.Engine)
	}
	if *cur.Probe != *newSettings.Probe {
		sm.notify(ModuleProbe, newSettings.Probe)
	}
	return nil
}

// persist 将完整的配置结构体写入到 settings.json 文件。
func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

// notify 通知所有订阅了指定模块的模块。
func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) {
	sm.mu.RLock()
	subscribers, ok := sm.subscribers[moduleKey]
	sm.mu.RUnlock()

	if ok {
		log.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
		for _, sub := range subscribers {
			if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
				log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
			}
		}
	}
}

// --- 辅助函数 ---

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Engine != nil {
		engineCopy := *s.Engine
		newS.Engine = &engineCopy
	}
	if s.Probe != nil {
		probeCopy := *s.Probe
		newS.Probe = &probeCopy
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case ModuleEngine:
		return s.Engine
	case ModuleProbe:
		return s.Probe
	default:
		return nil
	}
}
