// Package hx71x drives HX711 and HX717 load cell ADCs attached to a
// remote microcontroller. Up to four chips are read in parallel for
// under-bed load cell applications; decoded batches carry the sum of all
// chip outputs plus each chip's individual counter value.
package hx71x

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goloadcell/pkg/bulk"
	"github.com/itohio/goloadcell/pkg/config"
	"github.com/itohio/goloadcell/pkg/mcu"
)

const (
	// BytesPerSample is the width of one chip's counter on the wire.
	BytesPerSample = 4
	// MaxChips is the number of chips one acquisition can read in parallel.
	MaxChips = 4

	// DumpEndpointName identifies the raw sample introspection feed.
	DumpEndpointName = "hx71x/dump_hx71x"

	respStatus = "hx71x_status"
)

// HX71x is one acquisition session over 1-4 chips on a single MCU.
type HX71x struct {
	log   *zap.Logger
	m     *mcu.MCU
	conn  mcu.Conn
	model Model
	name  string

	oid        int64
	lceOid     int64
	chipCount  int
	doutPins   [MaxChips]string
	sclkPins   [MaxChips]string
	sps        int
	gainCh     int
	ackTimeout time.Duration

	bytesPerBlock int
	blocksPerMsg  int

	queue     *bulk.BulkDataQueue
	clockSync *bulk.ClockSyncRegression
	updater   *bulk.ChipClockUpdater
	batch     *bulk.BatchBulkHelper
}

// New validates the sensor topology, allocates device object ids, sends
// the device configuration command and prepares the acquisition
// pipeline. Measurement starts when the first client subscribes.
func New(cfg *config.Config, m *mcu.MCU, logger *zap.Logger) (*HX71x, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	model, err := ModelByName(cfg.Sensor.Type)
	if err != nil {
		return nil, err
	}

	s := &HX71x{
		log:        logger,
		m:          m,
		conn:       m.Conn(),
		model:      model,
		name:       cfg.Sensor.Name,
		ackTimeout: time.Duration(cfg.Tuning.AckTimeout * float64(time.Second)),
	}

	if err := s.resolvePins(&cfg.Sensor); err != nil {
		return nil, err
	}
	if s.sps, err = model.resolveRate(cfg.Sensor.SampleRate); err != nil {
		return nil, err
	}
	if s.gainCh, err = model.resolveGain(cfg.Sensor.Gain); err != nil {
		return nil, err
	}

	s.oid = m.CreateOid()
	if cfg.Sensor.Endstop {
		s.lceOid = m.CreateOid()
	}

	s.bytesPerBlock = BytesPerSample * s.chipCount
	s.blocksPerMsg = mcu.MaxBulkMsgSize / s.bytesPerBlock

	s.queue = bulk.NewBulkDataQueue()
	s.conn.RegisterBulk(s.oid, s.queue.Push)

	window := int(float64(s.sps) * cfg.Tuning.Smoothing * 2)
	s.clockSync = bulk.NewClockSyncRegression(m.ClockFreq(), window)
	s.updater = bulk.NewChipClockUpdater(s.clockSync, m, s.oid,
		s.bytesPerBlock, s.blocksPerMsg, s.sps)
	s.updater.SetupQueryCommand("query_hx71x_status oid=%d", respStatus)

	interval := time.Duration(cfg.Tuning.UpdateInterval * float64(time.Second))
	s.batch = bulk.NewBatchBulkHelper(logger, interval,
		s.processBatch, s.startMeasurements, s.finishMeasurements)

	s.conn.RegisterResponse("reset_hx71x", s.oid, s.handleReset)

	if err := s.conn.SendCommand(s.configCommand()); err != nil {
		return nil, fmt.Errorf("failed to configure sensor %q: %w", s.name, err)
	}
	return s, nil
}

// resolvePins validates the chip topology and pads unused slots with the
// first chip's pins; padded slots are never sampled by the firmware.
func (s *HX71x) resolvePins(sc *config.SensorConfig) error {
	pairs := sc.PinPairs()
	if len(pairs) < 1 {
		return errors.New("hx71x: the minimum number of sensor chips is 1")
	}
	if len(pairs) > MaxChips {
		return fmt.Errorf("hx71x: at most %d sensor chips are supported", MaxChips)
	}
	chip := pinChip(pairs[0][0])
	for i, p := range pairs {
		if p[1] == "" {
			return fmt.Errorf("hx71x: config missing sclk_pin%d", i+1)
		}
		if pinChip(p[0]) != chip || pinChip(p[1]) != chip {
			return errors.New("hx71x: all chips must be connected to the same MCU")
		}
		s.doutPins[i] = p[0]
		s.sclkPins[i] = p[1]
	}
	s.chipCount = len(pairs)
	for i := s.chipCount; i < MaxChips; i++ {
		s.doutPins[i] = pairs[0][0]
		s.sclkPins[i] = pairs[0][1]
	}
	return nil
}

// pinChip extracts the controller name from a pin like "mcu:PB6".
func pinChip(pin string) string {
	if name, _, ok := strings.Cut(pin, ":"); ok {
		return name
	}
	return ""
}

func (s *HX71x) configCommand() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config_hx71x oid=%d chip_count=%d gain_channel=%d load_cell_endstop_oid=%d",
		s.oid, s.chipCount, s.gainCh, s.lceOid)
	for i := 0; i < MaxChips; i++ {
		fmt.Fprintf(&b, " dout%d_pin=%s sclk%d_pin=%s", i+1, s.doutPins[i], i+1, s.sclkPins[i])
	}
	return b.String()
}

// Name returns the configured sensor name.
func (s *HX71x) Name() string { return s.name }

// SamplesPerSecond returns the configured acquisition rate.
func (s *HX71x) SamplesPerSecond() int { return s.sps }

// EndstopOid returns the auxiliary endstop object id, 0 when not
// allocated. It is opaque to this layer.
func (s *HX71x) EndstopOid() int64 { return s.lceOid }

// Range returns the minimum and maximum representable sample value, used
// by consumers to detect saturated data.
func (s *HX71x) Range() (int64, int64) {
	max := int64(1) << 24 * int64(s.chipCount)
	return -max, max
}

// AddClient subscribes a callback to decoded sample batches. The first
// subscription starts the acquisition.
func (s *HX71x) AddClient(fn func([]bulk.Record)) (*bulk.Client, error) {
	return s.batch.AddClient(fn)
}

// AddDumpClient subscribes the named raw-sample introspection feed.
func (s *HX71x) AddDumpClient(fn func([]bulk.Record)) (*bulk.Client, error) {
	return s.batch.AddMuxEndpoint(DumpEndpointName, s.DumpHeader(), fn)
}

// DumpHeader returns the dump feed's column schema.
func (s *HX71x) DumpHeader() []string {
	fields := []string{"time", "total_counts"}
	for i := 0; i < s.chipCount; i++ {
		fields = append(fields, fmt.Sprintf("counts%d", i))
	}
	return fields
}

// Err returns the session's fatal error, if any.
func (s *HX71x) Err() error { return s.batch.Err() }

// processBatch runs once per cycle: refresh the clock fit, drain the
// queue and decode everything received since the previous cycle.
func (s *HX71x) processBatch(ctx context.Context) ([]bulk.Record, error) {
	if err := s.updater.UpdateClock(ctx); err != nil {
		switch {
		case errors.Is(err, bulk.ErrClockDesync), errors.Is(err, bulk.ErrClockDiscontinuity):
			// Recoverable: sample pair dropped or timing best-effort
			// until the next cycle.
			s.log.Warn("clock sync fault", zap.String("sensor", s.name), zap.Error(err))
		default:
			return nil, err
		}
	}
	msgs := s.queue.PullSamples()
	if len(msgs) == 0 {
		return nil, nil
	}
	return s.extractSamples(msgs), nil
}

// extractSamples decodes raw messages into timestamped records.
func (s *HX71x) extractSamples(msgs []bulk.RawMessage) []bulk.Record {
	ts := bulk.NewTimestampHelper(s.clockSync, s.updater, s.blocksPerMsg)
	records := make([]bulk.Record, 0, len(msgs)*s.blocksPerMsg)

	for _, msg := range msgs {
		ts.UpdateSequence(msg.Sequence)
		for i := 0; i < len(msg.Data)/s.bytesPerBlock; i++ {
			block := msg.Data[i*s.bytesPerBlock:]
			counts := make([]int32, s.chipCount)
			var total int64
			saturated := false
			for c := 0; c < s.chipCount; c++ {
				v := int32(binary.LittleEndian.Uint32(block[c*BytesPerSample:]))
				counts[c] = v
				total += int64(v)
				if saturated24(v) {
					saturated = true
				}
			}
			records = append(records, bulk.Record{
				Time:      ts.TimeOfMsg(i),
				Total:     total,
				Counts:    counts,
				Saturated: saturated,
			})
		}
	}
	ts.SetLastChipClock()
	if gaps := ts.Gaps(); gaps > 0 {
		s.log.Warn("lost bulk messages",
			zap.String("sensor", s.name), zap.Uint64("messages", gaps))
	}
	return records
}

// saturated24 reports whether a chip counter sits at the extreme of its
// 24-bit signed encoding; the physical reading may exceed what the chip
// can represent.
func saturated24(v int32) bool {
	return v <= -(1<<23) || v >= 1<<23-1
}

// startMeasurements begins bulk streaming on the device.
func (s *HX71x) startMeasurements() error {
	s.queue.ClearSamples()
	restTicks := s.m.SecondsToClock(0.7 / float64(s.sps))
	cmd := fmt.Sprintf("query_hx71x oid=%d rest_ticks=%d", s.oid, restTicks)
	if err := s.conn.SendCommand(cmd); err != nil {
		return fmt.Errorf("failed to start sensor %q: %w", s.name, err)
	}
	s.updater.NoteStart()
	s.log.Info("starting measurements", zap.String("sensor", s.name))
	return nil
}

// finishMeasurements halts bulk streaming and waits for the device to
// acknowledge. A missing acknowledgement leaves device state unknown and
// is fatal to the session.
func (s *HX71x) finishMeasurements() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
	defer cancel()
	cmd := fmt.Sprintf("query_hx71x oid=%d rest_ticks=0", s.oid)
	if err := s.conn.SendWaitAck(ctx, cmd); err != nil {
		return fmt.Errorf("failed to stop sensor %q: %w", s.name, err)
	}
	s.queue.ClearSamples()
	s.log.Info("finished measurements", zap.String("sensor", s.name))
	return nil
}

// handleReset self-heals after the firmware shut the chip down following
// a reboot or timing error.
func (s *HX71x) handleReset(mcu.Params) {
	s.log.Warn("sensor chip reset", zap.String("sensor", s.name))
	if err := s.batch.Restart(); err != nil {
		s.log.Error("failed to restart after chip reset",
			zap.String("sensor", s.name), zap.Error(err))
	}
}
