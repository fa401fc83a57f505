package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable operator strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	GRPCHealthListen   string
	ShuttingDown       string
	ShutdownComplete   string
	DryRunMode         string
	ConfigLoadFailed   string
	StrategyLoadFailed string
	DBInitFailed       string
	DBMigrationsFailed string
	StateLoadFailed    string
	APIServerError     string

	// Engine
	EngineStarted      string
	PositionsRestored  string
	KillSwitchArmed    string
	KillSwitchDisarmed string
	ManualApprovalOn   string

	// Services
	MockFeedStarted   string
	KafkaSinkEnabled  string
	KafkaSinkFailed   string
	JournalFlushError string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Starting:           "Starting trading bot...",
	ConfigLoaded:       "Config loaded (Port: %s, Symbols: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	GRPCHealthListen:   "gRPC health service listening on %s",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete.",
	DryRunMode:         "Running in DRY-RUN mode (orders go to the paper broker)",
	ConfigLoadFailed:   "Failed to load config: %v",
	StrategyLoadFailed: "Failed to load strategy file: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	StateLoadFailed:    "Failed to restore positions: %v",
	APIServerError:     "API server error: %v",

	EngineStarted:      "Engine started with %d symbols",
	PositionsRestored:  "Restored %d open positions",
	KillSwitchArmed:    "Kill switch armed: risk limit breaches halt order flow",
	KillSwitchDisarmed: "Kill switch disarmed: risk limit breaches only raise alerts",
	ManualApprovalOn:   "Manual approval required for new orders",

	MockFeedStarted:   "Mock feed started (interval %s)",
	KafkaSinkEnabled:  "Kafka event export enabled: topic %s",
	KafkaSinkFailed:   "Kafka event export disabled: %v",
	JournalFlushError: "Journal flush failed: %v",
}

// Chinese messages
var messagesZH = Messages{
	Starting:           "啟動交易機器人...",
	ConfigLoaded:       "設定已載入（埠號：%s，交易對：%s）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ServerListening:    "服務監聽於 :%s",
	GRPCHealthListen:   "gRPC 健康檢查服務監聽於 %s",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "關閉完成。",
	DryRunMode:         "DRY-RUN 模式（委託送往模擬撮合）",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	StrategyLoadFailed: "讀取策略設定檔失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	StateLoadFailed:    "還原持倉失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",

	EngineStarted:      "引擎已啟動，共 %d 個交易對",
	PositionsRestored:  "已還原 %d 筆未平倉部位",
	KillSwitchArmed:    "緊急停止已啟用：觸發風控上限將停止下單",
	KillSwitchDisarmed: "緊急停止未啟用：觸發風控上限僅發出警報",
	ManualApprovalOn:   "新委託需人工核准",

	MockFeedStarted:   "模擬行情已啟動（間隔 %s）",
	KafkaSinkEnabled:  "Kafka 事件匯出已啟用：主題 %s",
	KafkaSinkFailed:   "Kafka 事件匯出停用：%v",
	JournalFlushError: "決策日誌寫入失敗：%v",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
