// Package persistence implements crash-recovery snapshotting: a JSON file
// recording every open position plus the Risk Engine's daily state, written
// atomically so a crash mid-write never leaves a half-written file, and a
// fail-fast check that the snapshot directory is a real mounted volume
// before live trading trusts it. The atomic-write path generalizes the
// same load/save-a-small-file idiom the notification service uses for its
// chat ID into a multi-record, crash-safe store.
package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loureed691/apex-perp-engine/internal/errkind"
	"github.com/loureed691/apex-perp-engine/internal/position"
	"github.com/loureed691/apex-perp-engine/internal/risk"
)

// PositionRecord is the JSON-serializable mirror of position.Position. It
// exists because SetTPPeakPrice/TPPeakPrice round-trip a field the Position
// struct itself keeps unexported.
type PositionRecord struct {
	ID             string
	Symbol         string
	Side           position.Side
	EntryTime      int64
	Amount         float64
	Leverage       int
	EntryPrice     float64
	TakerFee       float64
	StopLoss       float64
	TakeProfit     float64
	HighestPrice   float64
	LowestPrice    float64
	PeakPnL        float64
	LastPnL        float64
	LastPnLTimeMs  int64
	ProfitVelocity float64

	BreakevenPlusActivated bool
	TrailingTPActivated    bool
	TPPeakPrice            float64
}

// Snapshot is the full on-disk document: every open position plus enough of
// the Risk Engine's state to resume the day's loss accounting without
// rereading exchange history.
type Snapshot struct {
	WrittenAt time.Time
	Positions map[string]PositionRecord
	Risk      risk.Snapshot
}

// Store reads and writes the snapshot file. The zero value is not valid;
// use New.
type Store struct {
	path string
	log  *zap.Logger
}

// New returns a Store writing to path. It does not touch the filesystem.
func New(path string, log *zap.Logger) *Store {
	return &Store{path: path, log: log}
}

// ToRecord converts a live Position into its serializable form.
func ToRecord(p *position.Position) PositionRecord {
	return PositionRecord{
		ID:                     p.ID,
		Symbol:                 p.Symbol,
		Side:                   p.Side,
		EntryTime:              p.EntryTime,
		Amount:                 p.Amount,
		Leverage:               p.Leverage,
		EntryPrice:             p.EntryPrice,
		TakerFee:               p.TakerFee,
		StopLoss:               p.StopLoss,
		TakeProfit:             p.TakeProfit,
		HighestPrice:           p.HighestPrice,
		LowestPrice:            p.LowestPrice,
		PeakPnL:                p.PeakPnL,
		LastPnL:                p.LastPnL,
		LastPnLTimeMs:          p.LastPnLTimeMs,
		ProfitVelocity:         p.ProfitVelocity,
		BreakevenPlusActivated: p.BreakevenPlusActivated,
		TrailingTPActivated:    p.TrailingTPActivated,
		TPPeakPrice:            p.TPPeakPrice(),
	}
}

// ToPosition reconstructs a live Position from its serializable form.
func (r PositionRecord) ToPosition() *position.Position {
	p := position.Open(r.Symbol, r.Side, r.Amount, r.Leverage, r.EntryPrice, 0, r.TakerFee, r.EntryTime)
	p.ID = r.ID
	p.StopLoss = r.StopLoss
	p.TakeProfit = r.TakeProfit
	p.HighestPrice = r.HighestPrice
	p.LowestPrice = r.LowestPrice
	p.PeakPnL = r.PeakPnL
	p.LastPnL = r.LastPnL
	p.LastPnLTimeMs = r.LastPnLTimeMs
	p.ProfitVelocity = r.ProfitVelocity
	p.BreakevenPlusActivated = r.BreakevenPlusActivated
	p.TrailingTPActivated = r.TrailingTPActivated
	p.SetTPPeakPrice(r.TPPeakPrice)
	return p
}

// Save writes snap atomically: marshal to a temp file in the same
// directory, fsync it, then rename over the real path. The rename is what
// makes a concurrent crash safe — readers only ever see the old file or the
// fully-written new one, never a partial one.
func (s *Store) Save(positions map[string]*position.Position, riskSnap risk.Snapshot) error {
	snap := Snapshot{
		WrittenAt: time.Now(),
		Positions: make(map[string]PositionRecord, len(positions)),
		Risk:      riskSnap,
	}
	for symbol, p := range positions {
		snap.Positions[symbol] = ToRecord(p)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.InvariantViolated, err, "marshal snapshot")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return errkind.Wrap(errkind.DataUnavailable, err, "create snapshot temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errkind.Wrap(errkind.DataUnavailable, err, "write snapshot temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errkind.Wrap(errkind.DataUnavailable, err, "fsync snapshot temp file")
	}
	if err := tmp.Close(); err != nil {
		return errkind.Wrap(errkind.DataUnavailable, err, "close snapshot temp file")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return errkind.Wrap(errkind.DataUnavailable, err, "rename snapshot into place")
	}
	s.log.Debug("snapshot written", zap.Int("positions", len(snap.Positions)), zap.String("path", s.path))
	return nil
}

// Load reads the snapshot file. A missing file is not an error — it just
// means there is nothing to recover, the common case on a first boot.
func (s *Store) Load() (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, errkind.Wrap(errkind.DataUnavailable, err, "read snapshot")
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, errkind.Wrap(errkind.InvariantViolated, err, "unmarshal snapshot")
	}
	s.log.Info("snapshot loaded", zap.Int("positions", len(snap.Positions)), zap.Time("written_at", snap.WrittenAt))
	return snap, true, nil
}

// EnsureMounted fails fast if path's directory sits on the same device as
// the root filesystem of this mount namespace — almost always an ephemeral
// overlay in a container, not the durable volume live trading needs.
// Parses /proc/self/mountinfo the same way `findmnt` does: the longest
// mount point prefix of the target path wins.
func EnsureMounted(path string) error {
	dir := filepath.Dir(path)
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return errkind.Wrap(errkind.InvariantViolated, err, "resolve snapshot directory")
	}

	mounts, err := parseMountinfo("/proc/self/mountinfo")
	if err != nil {
		return errkind.Wrap(errkind.InvariantViolated, err, "read mountinfo")
	}

	best := ""
	for _, m := range mounts {
		if m == "/" {
			continue
		}
		if (absDir == m || strings.HasPrefix(absDir, m+"/")) && len(m) > len(best) {
			best = m
		}
	}
	if best == "" {
		return errkind.New(errkind.InvariantViolated, "snapshot directory "+absDir+" is not on a dedicated mounted volume, refusing to trust it for live trading")
	}
	return nil
}

// parseMountinfo returns every mount point listed in a /proc/self/mountinfo
// style file. Field layout: the mount point is always the 5th whitespace
// field (see proc(5)); fields after an optional tagged "-" separator
// (filesystem type, source, super options) are irrelevant here.
func parseMountinfo(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		mounts = append(mounts, fields[4])
	}
	return mounts, sc.Err()
}
