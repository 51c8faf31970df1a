package domain

// DeliveryStats is a derived snapshot of delivery outcomes across tracked
// messages. Delivered includes assumed deliveries; DeliveredAssumed is broken
// out so telemetry consumers can subtract it.
type DeliveryStats struct {
	Total            int     `json:"total"`
	Sent             int     `json:"sent"`
	Delivered        int     `json:"delivered"`
	DeliveredAssumed int     `json:"delivered_assumed"`
	Failed           int     `json:"failed"`
	Pending          int     `json:"pending"`
	DeliveryRate     float64 `json:"delivery_rate"`
	AvgLatencyMs     int64   `json:"avg_delivery_latency_ms"`
}
