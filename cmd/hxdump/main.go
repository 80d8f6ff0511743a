// hxdump streams weight readings from an HX711/HX717 load cell sensor
// attached over a serial MCU link and prints them to stdout. A mock
// transport is available for running without hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goloadcell/pkg/bulk"
	"github.com/itohio/goloadcell/pkg/config"
	"github.com/itohio/goloadcell/pkg/hx71x"
	"github.com/itohio/goloadcell/pkg/logutil"
	"github.com/itohio/goloadcell/pkg/mcu"
	"github.com/itohio/goloadcell/pkg/scale"
)

func main() {
	var (
		portFlag           = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag         = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag           = flag.Bool("mock", false, "Use mocked device instead of serial port")
		freqFlag           = flag.Float64("freq", 16e6, "MCU clock frequency in Hz")
		durationFlag       = flag.Duration("duration", 0, "Stop after this long (0 = until interrupted)")
		tareFlag           = flag.Bool("tare", false, "Tare the scale before streaming")
		rawFlag            = flag.Bool("raw", false, "Print raw counter values instead of grams")
		averageSamplesFlag = flag.Int("average-samples", -1, "Number of samples to average (0 = disabled, overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *averageSamplesFlag >= 0 {
		cfg.Scale.AverageSamples = *averageSamplesFlag
	}

	logutil.InitLogger()
	logger := logutil.GetLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *durationFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *durationFlag)
		defer cancel()
	}

	conn, err := openTransport(ctx, cfg, *mockFlag, *freqFlag, logger)
	if err != nil {
		logger.Fatal("failed to open transport", zap.Error(err))
	}
	defer conn.Close()

	m := mcu.New(conn, *freqFlag)
	sensor, err := hx71x.New(cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to set up sensor", zap.Error(err))
	}

	if *rawFlag {
		err = dumpRaw(ctx, sensor)
	} else {
		err = dumpWeight(ctx, cfg, sensor, logger, *tareFlag)
	}
	if err != nil {
		logger.Fatal("streaming failed", zap.Error(err))
	}
}

// openTransport connects the configured serial port, or a mock device
// driven in real time when requested.
func openTransport(ctx context.Context, cfg *config.Config, useMock bool, freq float64, logger *zap.Logger) (mcu.Conn, error) {
	if useMock {
		mock := mcu.NewMock(&cfg.Mock, freq)
		go driveMock(ctx, mock)
		return mock, nil
	}
	serial := mcu.NewSerial(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err := serial.Connect(); err != nil {
		return nil, err
	}
	return serial, nil
}

// driveMock advances the simulated device clock in step with wall time.
func driveMock(ctx context.Context, mock *mcu.Mock) {
	const step = 10 * time.Millisecond
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mock.Advance(step.Seconds())
		}
	}
}

// dumpWeight streams converted weight readings until the context ends.
func dumpWeight(ctx context.Context, cfg *config.Config, sensor *hx71x.HX71x, logger *zap.Logger, tare bool) error {
	s := scale.New(&cfg.Scale, sensor, logger)
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	if tare {
		tareCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.Tare(tareCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("tare failed: %w", err)
		}
		fmt.Printf("# tare offset: %.1f counts\n", s.TareOffset())
	}

	fmt.Println("# time grams counts")
	for {
		select {
		case <-ctx.Done():
			return sensor.Err()
		case m := <-s.Measurements():
			mark := ""
			if m.Saturated {
				mark = " SATURATED"
			}
			fmt.Printf("%.4f %.2f %d%s\n", m.Time, m.Grams, m.Counts, mark)
		}
	}
}

// dumpRaw streams undecorated counter records from the introspection
// feed until the context ends.
func dumpRaw(ctx context.Context, sensor *hx71x.HX71x) error {
	fmt.Printf("# %s\n", strings.Join(sensor.DumpHeader(), " "))

	records := make(chan bulk.Record, 1024)
	client, err := sensor.AddDumpClient(func(batch []bulk.Record) {
		for _, r := range batch {
			select {
			case records <- r:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return sensor.Err()
		case r := <-records:
			var b strings.Builder
			fmt.Fprintf(&b, "%.4f %d", r.Time, r.Total)
			for _, c := range r.Counts {
				fmt.Fprintf(&b, " %d", c)
			}
			fmt.Println(b.String())
		}
	}
}
