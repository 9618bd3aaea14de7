package monitor

import "time"

type Status struct {
	PostgreSQL bool      `json:"postgresql"`
	Redis      bool      `json:"redis"`
	Queue      bool      `json:"queue"`
	QueueDepth int       `json:"queue_depth"`
	LastCheck  time.Time `json:"last_check"`
}
