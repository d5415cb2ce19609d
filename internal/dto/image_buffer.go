package dto

import "time"

// BufferedFrame is an evidence frame waiting to be flushed to disk.
type BufferedFrame struct {
	Timestamp   time.Time
	SessionID   string
	BatchNumber int
	ImpureCount int
	Data        []byte
}
