package model

// GaugeThreadSpecification is the 1:1 thread extension of a thread gauge.
type GaugeThreadSpecification struct {
	GaugeID     int64  `gorm:"primaryKey;autoIncrement:false" json:"gauge_id"`
	ThreadSize  string `gorm:"size:32;not null" json:"thread_size"`
	ThreadClass string `gorm:"size:16;not null" json:"thread_class"`
	ThreadType  string `gorm:"size:16;not null" json:"thread_type"`
	ThreadForm  string `gorm:"size:32;not null;default:'standard'" json:"thread_form"`
	IsGoGauge   bool   `gorm:"not null" json:"is_go_gauge"`
}
