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

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDB            string
	ServerListening    string
	GRPCListening      string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string

	// Settlement
	OrderFilled         string
	OrderRejected       string
	CommitRetrying      string
	StalePriceUsed      string
	PositionClosed      string
	PositionNotFound    string
	ClosePositionFailed string
	UnexpectedError     string

	// Services
	TickerStarted    string
	MarkStarted      string
	ReconStarted     string
	ReconOK          string
	ReconMismatch    string
	PriceSourceReady string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting paper trading core...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDB:            "Using %s ledger store: %s",
	ServerListening:    "Server listening on :%s",
	GRPCListening:      "gRPC listening on %s",
	ShuttingDown:       "Shutting down gracefully...",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",

	// Settlement
	OrderFilled:         "Order %s filled: %s %s %s @ %s (pnl %s)",
	OrderRejected:       "Order rejected for %s %s: %v",
	CommitRetrying:      "Commit conflict for %s, retrying (attempt %d/%d)",
	StalePriceUsed:      "Using stale price for %s: %s from %s",
	PositionClosed:      "Position closed successfully",
	PositionNotFound:    "Position not found",
	ClosePositionFailed: "Failed to close position",
	UnexpectedError:     "An unexpected error occurred",

	// Services
	TickerStarted:    "Price ticker started",
	MarkStarted:      "Mark-to-market refresher started (interval: %s)",
	ReconStarted:     "Reconciliation service started (interval: %s)",
	ReconOK:          "Reconciliation OK - %d accounts match their trade history",
	ReconMismatch:    "Reconciliation mismatch for %s: ledger %s, trades %s",
	PriceSourceReady: "Price source: %s",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動模擬交易核心...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDB:            "使用 %s 帳本儲存：%s",
	ServerListening:    "服務監聽於 :%s",
	GRPCListening:      "gRPC 監聽於 %s",
	ShuttingDown:       "正在優雅關閉...",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",

	// Settlement
	OrderFilled:         "訂單 %s 已成交：%s %s %s @ %s（損益 %s）",
	OrderRejected:       "訂單遭拒 %s %s：%v",
	CommitRetrying:      "%s 寫入衝突，重試中（第 %d/%d 次）",
	StalePriceUsed:      "使用過期價格 %s：%s（來源 %s）",
	PositionClosed:      "持倉已成功平倉",
	PositionNotFound:    "找不到持倉",
	ClosePositionFailed: "平倉失敗",
	UnexpectedError:     "發生未預期的錯誤",

	// Services
	TickerStarted:    "價格行情已啟動",
	MarkStarted:      "持倉市值更新已啟動（間隔：%s）",
	ReconStarted:     "對帳服務已啟動（間隔：%s）",
	ReconOK:          "對帳正常 - %d 個帳戶與成交紀錄一致",
	ReconMismatch:    "對帳不一致 %s：帳本 %s，成交紀錄 %s",
	PriceSourceReady: "價格來源：%s",
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
