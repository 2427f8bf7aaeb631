// Package network classifies connectivity into a type/quality pair and
// decides whether the current link is good enough for a sync pass.
package network

import (
	"fmt"
	"strings"
	"time"
)

// Type is the transport of the active link.
type Type string

const (
	TypeNone     Type = "none"
	TypeWifi     Type = "wifi"
	TypeCellular Type = "cellular"
	TypeEthernet Type = "ethernet"
	TypeOther    Type = "other"
)

// ParseType parses a transport name case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeNone, TypeWifi, TypeCellular, TypeEthernet, TypeOther:
		return t, nil
	case "":
		return TypeNone, nil
	}
	return "", fmt.Errorf("unknown network type %q", s)
}

// Quality buckets link quality. Higher rank is better.
type Quality string

const (
	QualityNone      Quality = "none"
	QualityPoor      Quality = "poor"
	QualityFair      Quality = "fair"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
)

var qualityRank = map[Quality]int{
	QualityNone:      0,
	QualityPoor:      1,
	QualityFair:      2,
	QualityGood:      3,
	QualityExcellent: 4,
}

var qualityByRank = []Quality{QualityNone, QualityPoor, QualityFair, QualityGood, QualityExcellent}

// Rank orders qualities from none (0) to excellent (4).
func (q Quality) Rank() int {
	return qualityRank[q]
}

// UnknownStrength marks a signal whose strength could not be read.
const UnknownStrength = -1

// Signal-strength thresholds. WiFi values are RSSI in dBm, cellular values are ASU.
const (
	WifiExcellentDBm = -50
	WifiGoodDBm      = -60
	WifiFairDBm      = -70

	CellularExcellentASU = 20
	CellularGoodASU      = 15
	CellularFairASU      = 10
)

// Latency above which a measured link is downgraded.
const (
	SlowLatency     = time.Second
	VerySlowLatency = 3 * time.Second
)

// Signal is a raw connectivity observation.
type Signal struct {
	Type      Type          `json:"type"`
	Connected bool          `json:"connected"`
	Metered   bool          `json:"metered"`
	Strength  int           `json:"signal_strength"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// Offline returns the signal of a device with no active link.
func Offline() Signal {
	return Signal{Type: TypeNone, Strength: UnknownStrength}
}

// Info is the classified view of a Signal.
type Info struct {
	Type           Type    `json:"type"`
	Quality        Quality `json:"quality"`
	IsConnected    bool    `json:"is_connected"`
	IsMetered      bool    `json:"is_metered"`
	SignalStrength int     `json:"signal_strength"`
}

// IsSuitableForSync reports whether a bulk sync pass should run on this link.
// Fair quality is only trusted on WiFi.
func (i Info) IsSuitableForSync() bool {
	if !i.IsConnected {
		return false
	}
	switch i.Quality {
	case QualityExcellent, QualityGood:
		return true
	case QualityFair:
		return i.Type == TypeWifi
	}
	return false
}

// String renders a compact description for logs.
func (i Info) String() string {
	return fmt.Sprintf("%s/%s connected=%t metered=%t strength=%d",
		i.Type, i.Quality, i.IsConnected, i.IsMetered, i.SignalStrength)
}

// Classify maps a transport and signal strength to a quality bucket.
func Classify(t Type, strength int) Quality {
	switch t {
	case TypeNone:
		return QualityNone
	case TypeEthernet:
		return QualityExcellent
	}
	if strength == UnknownStrength {
		return QualityFair
	}
	switch t {
	case TypeWifi:
		switch {
		case strength >= WifiExcellentDBm:
			return QualityExcellent
		case strength >= WifiGoodDBm:
			return QualityGood
		case strength >= WifiFairDBm:
			return QualityFair
		}
		return QualityPoor
	case TypeCellular:
		switch {
		case strength >= CellularExcellentASU:
			return QualityExcellent
		case strength >= CellularGoodASU:
			return QualityGood
		case strength >= CellularFairASU:
			return QualityFair
		}
		return QualityPoor
	}
	return QualityFair
}

// degrade lowers q by one bucket for a slow link and to poor for a very slow one.
func degrade(q Quality, latency time.Duration) Quality {
	if q == QualityNone || latency <= SlowLatency {
		return q
	}
	if latency > VerySlowLatency {
		return QualityPoor
	}
	r := q.Rank() - 1
	if r < qualityRank[QualityPoor] {
		r = qualityRank[QualityPoor]
	}
	return qualityByRank[r]
}

// NewInfo classifies a raw signal.
func NewInfo(s Signal) Info {
	t := s.Type
	if t == "" {
		t = TypeNone
	}
	q := Classify(t, s.Strength)
	if t != TypeEthernet {
		q = degrade(q, s.Latency)
	}
	return Info{
		Type:           t,
		Quality:        q,
		IsConnected:    s.Connected && t != TypeNone,
		IsMetered:      s.Metered,
		SignalStrength: s.Strength,
	}
}
