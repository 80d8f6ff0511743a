package hx71x

import (
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goloadcell/pkg/bulk"
	"github.com/itohio/goloadcell/pkg/config"
	"github.com/itohio/goloadcell/pkg/mcu"
)

const testFreq = 16e6

func testConfig(chips int) *config.Config {
	cfg := config.Default()
	cfg.Sensor.Type = "hx717"
	cfg.Sensor.Name = "bed_cell"
	cfg.Sensor.SampleRate = 80
	cfg.Tuning.UpdateInterval = 0.005
	set := []struct{ dout, sclk *string }{
		{&cfg.Sensor.DoutPin1, &cfg.Sensor.SclkPin1},
		{&cfg.Sensor.DoutPin2, &cfg.Sensor.SclkPin2},
		{&cfg.Sensor.DoutPin3, &cfg.Sensor.SclkPin3},
		{&cfg.Sensor.DoutPin4, &cfg.Sensor.SclkPin4},
	}
	for i := 0; i < len(set); i++ {
		*set[i].dout = ""
		*set[i].sclk = ""
	}
	names := []string{"PA0", "PA1", "PA2", "PA3", "PA4", "PA5", "PA6", "PA7"}
	for i := 0; i < chips; i++ {
		*set[i].dout = "mcu:" + names[2*i]
		*set[i].sclk = "mcu:" + names[2*i+1]
	}
	return cfg
}

func newTestSensor(t *testing.T, chips int) (*HX71x, *mcu.Mock) {
	t.Helper()
	conn := mcu.NewMock(&config.MockConfig{BiasCounts: 1000, NoiseCounts: 0}, testFreq)
	m := mcu.New(conn, testFreq)
	s, err := New(testConfig(chips), m, nil)
	require.NoError(t, err)
	return s, conn
}

func TestNew_SendsConfigCommand(t *testing.T) {
	s, conn := newTestSensor(t, 2)

	cmds := conn.Commands()
	require.Len(t, cmds, 1)
	cmd := cmds[0]
	assert.True(t, strings.HasPrefix(cmd, "config_hx71x oid=0 chip_count=2 gain_channel=1"), cmd)
	assert.Contains(t, cmd, "dout1_pin=mcu:PA0 sclk1_pin=mcu:PA1")
	assert.Contains(t, cmd, "dout2_pin=mcu:PA2 sclk2_pin=mcu:PA3")
	// Unused slots are padded with chip 1's pins
	assert.Contains(t, cmd, "dout3_pin=mcu:PA0 sclk3_pin=mcu:PA1")
	assert.Contains(t, cmd, "dout4_pin=mcu:PA0 sclk4_pin=mcu:PA1")

	assert.Equal(t, 80, s.SamplesPerSecond())
	assert.Zero(t, s.EndstopOid())
}

func TestNew_EndstopAllocatesOid(t *testing.T) {
	conn := mcu.NewMock(nil, testFreq)
	m := mcu.New(conn, testFreq)
	cfg := testConfig(1)
	cfg.Sensor.Endstop = true

	s, err := New(cfg, m, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.EndstopOid())
	assert.Contains(t, conn.Commands()[0], "load_cell_endstop_oid=1")
}

func TestNew_RejectsZeroChips(t *testing.T) {
	cfg := testConfig(0)
	_, err := New(cfg, mcu.New(mcu.NewMock(nil, testFreq), testFreq), nil)
	assert.ErrorContains(t, err, "minimum number of sensor chips")
}

func TestNew_RejectsMissingSclk(t *testing.T) {
	cfg := testConfig(1)
	cfg.Sensor.SclkPin1 = ""
	_, err := New(cfg, mcu.New(mcu.NewMock(nil, testFreq), testFreq), nil)
	assert.ErrorContains(t, err, "sclk_pin1")
}

func TestNew_RejectsMixedMCUs(t *testing.T) {
	cfg := testConfig(2)
	cfg.Sensor.DoutPin2 = "other:PA2"
	_, err := New(cfg, mcu.New(mcu.NewMock(nil, testFreq), testFreq), nil)
	assert.ErrorContains(t, err, "same MCU")
}

func TestNew_RejectsUnsupportedRate(t *testing.T) {
	cfg := testConfig(1)
	cfg.Sensor.Type = "hx711"
	cfg.Sensor.SampleRate = 320 // HX717 only
	_, err := New(cfg, mcu.New(mcu.NewMock(nil, testFreq), testFreq), nil)
	assert.ErrorContains(t, err, "sample_rate")
}

func TestNew_RejectsUnsupportedGain(t *testing.T) {
	cfg := testConfig(1)
	cfg.Sensor.Gain = "B-32" // HX711 only
	_, err := New(cfg, mcu.New(mcu.NewMock(nil, testFreq), testFreq), nil)
	assert.ErrorContains(t, err, "gain")
}

func TestNew_DefaultsRateAndGain(t *testing.T) {
	cfg := testConfig(1)
	cfg.Sensor.SampleRate = 0
	cfg.Sensor.Gain = ""
	s, err := New(cfg, mcu.New(mcu.NewMock(nil, testFreq), testFreq), nil)
	require.NoError(t, err)
	assert.Equal(t, 320, s.SamplesPerSecond())
}

func TestRange(t *testing.T) {
	s, _ := newTestSensor(t, 3)
	lo, hi := s.Range()
	assert.Equal(t, int64(-3<<24), lo)
	assert.Equal(t, int64(3<<24), hi)
}

func TestDumpHeader(t *testing.T) {
	s, _ := newTestSensor(t, 2)
	assert.Equal(t, []string{"time", "total_counts", "counts0", "counts1"}, s.DumpHeader())
}

func packBlocks(blocks ...[]int32) []byte {
	var out []byte
	for _, counts := range blocks {
		for _, v := range counts {
			out = binary.LittleEndian.AppendUint32(out, uint32(v))
		}
	}
	return out
}

func TestExtractSamples_TwoChipDecode(t *testing.T) {
	s, _ := newTestSensor(t, 2)

	msgs := []bulk.RawMessage{{Sequence: 0, Data: packBlocks([]int32{100, -50})}}
	records := s.extractSamples(msgs)

	require.Len(t, records, 1)
	assert.Equal(t, int64(50), records[0].Total)
	assert.Equal(t, []int32{100, -50}, records[0].Counts)
	assert.False(t, records[0].Saturated)
}

func TestExtractSamples_SaturationVerbatim(t *testing.T) {
	s, _ := newTestSensor(t, 2)

	bound := int32(-(1 << 23))
	msgs := []bulk.RawMessage{{Sequence: 0, Data: packBlocks([]int32{bound, 7})}}
	records := s.extractSamples(msgs)

	require.Len(t, records, 1)
	// The extreme value is reported verbatim, not clamped, and the
	// record is flagged so consumers need not re-derive it.
	assert.Equal(t, bound, records[0].Counts[0])
	assert.Equal(t, int64(bound)+7, records[0].Total)
	assert.True(t, records[0].Saturated)

	mid := s.extractSamples([]bulk.RawMessage{{Sequence: 1, Data: packBlocks([]int32{-8388607, 7})}})
	assert.False(t, mid[0].Saturated, "one count inside the bound is not saturation")
}

func TestExtractSamples_MultipleBlocksPerMessage(t *testing.T) {
	s, _ := newTestSensor(t, 1)

	// 1 chip: 13 blocks per message
	var blocks [][]int32
	for i := int32(0); i < 13; i++ {
		blocks = append(blocks, []int32{i * 10})
	}
	records := s.extractSamples([]bulk.RawMessage{{Sequence: 0, Data: packBlocks(blocks...)}})

	require.Len(t, records, 13)
	assert.Equal(t, int64(120), records[12].Total)
	// Intra-message spacing is exactly one sample period
	for i := 1; i < len(records); i++ {
		assert.InDelta(t, 1.0/80.0, records[i].Time-records[i-1].Time, 1e-9)
	}
}

func collectClient(t *testing.T, mu *sync.Mutex, dst *[]bulk.Record) func([]bulk.Record) {
	return func(batch []bulk.Record) {
		// Within one batch the clock fit is fixed, so time must be
		// strictly increasing.
		for i := 1; i < len(batch); i++ {
			assert.Greater(t, batch[i].Time, batch[i-1].Time)
		}
		mu.Lock()
		*dst = append(*dst, batch...)
		mu.Unlock()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func countStartStop(cmds []string) (starts, stops int) {
	for _, c := range cmds {
		if mcu.CommandName(c) != "query_hx71x" {
			continue
		}
		if strings.HasSuffix(c, "rest_ticks=0") {
			stops++
		} else {
			starts++
		}
	}
	return starts, stops
}

func TestLifecycle_SubscribeStartsUnsubscribeStops(t *testing.T) {
	s, conn := newTestSensor(t, 1)

	client, err := s.AddClient(func([]bulk.Record) {})
	require.NoError(t, err)
	assert.True(t, conn.IsStreaming())

	starts, stops := countStartStop(conn.Commands())
	assert.Equal(t, 1, starts, "start command observed exactly once")
	assert.Equal(t, 0, stops)

	require.NoError(t, client.Close())
	assert.False(t, conn.IsStreaming())

	starts, stops = countStartStop(conn.Commands())
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops, "stop command observed exactly once")
}

func TestLifecycle_ResetNotificationCycles(t *testing.T) {
	s, conn := newTestSensor(t, 1)

	client, err := s.AddClient(func([]bulk.Record) {})
	require.NoError(t, err)
	defer client.Close()

	conn.InjectReset(0)

	starts, stops := countStartStop(conn.Commands())
	assert.Equal(t, 1, stops, "reset produces exactly one stop")
	assert.Equal(t, 2, starts, "followed by exactly one start")
	assert.True(t, conn.IsStreaming(), "acquisition resumes after reset")
}

func TestLifecycle_StopAckTimeoutIsFatal(t *testing.T) {
	s, conn := newTestSensor(t, 1)

	client, err := s.AddClient(func([]bulk.Record) {})
	require.NoError(t, err)

	conn.FailAcks(mcu.ErrAckTimeout)
	err = client.Close()
	require.Error(t, err)
	assert.ErrorIs(t, s.Err(), bulk.ErrSessionFailed)

	_, err = s.AddClient(func([]bulk.Record) {})
	assert.Error(t, err, "failed session rejects new subscriptions")
}

func TestEndToEnd_MockStreaming(t *testing.T) {
	s, conn := newTestSensor(t, 2)

	var mu sync.Mutex
	var records []bulk.Record
	client, err := s.AddClient(collectClient(t, &mu, &records))
	require.NoError(t, err)
	defer client.Close()

	conn.EnqueueCounts([]int32{100, -50})
	// Feed half a second of simulated samples in small steps so batch
	// cycles interleave with message arrival.
	for i := 0; i < 50; i++ {
		conn.Advance(0.01)
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(records) >= 24
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(50), records[0].Total)
	assert.Equal(t, []int32{100, -50}, records[0].Counts)
	for _, r := range records[1:] {
		assert.Equal(t, int64(2000), r.Total)
	}
}
