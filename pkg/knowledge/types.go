package knowledge

import "time"

// Config 知识库检索服务配置
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	Limit          int
	ScoreThreshold float64
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:9000",
		Timeout:        10 * time.Second,
		MaxRetries:     2,
		RetryDelay:     200 * time.Millisecond,
		Limit:          5,
		ScoreThreshold: 0.6,
	}
}

// SearchRequest 检索请求
type SearchRequest struct {
	Query           string  `json:"query"`
	KnowledgeBaseID string  `json:"kb_id"`
	Limit           int     `json:"limit"`
	Threshold       float64 `json:"threshold"`
	Strategy        string  `json:"strategy"` // bm25, vector, hybrid
}

// SearchResponse 检索响应
type SearchResponse struct {
	Success bool       `json:"success"`
	Data    SearchData `json:"data"`
	Message string     `json:"message"`
}

type SearchData struct {
	Results []Passage `json:"results"`
	Total   int       `json:"total"`
}

// Passage 命中的知识片段
type Passage struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Source     string  `json:"source"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}
