package main

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/chriscow/voice-session-go/pkg/audio/wav"
	"github.com/chriscow/voice-session-go/pkg/autostop"
	"github.com/chriscow/voice-session-go/pkg/encoder"
	"github.com/chriscow/voice-session-go/pkg/rtc"
	"github.com/chriscow/voice-session-go/pkg/vad"
)

var vadCmd = &cobra.Command{
	Use:   "vad",
	Short: "Replay a WAV file through voice activity detection and auto-stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Log)

		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		outPath, _ := flags.GetString("out")
		vcfg := vadConfig(cfg)
		if v, _ := flags.GetFloat64("threshold"); v > 0 {
			vcfg.ThresholdRMS = v
		}
		if v, _ := flags.GetDuration("budget"); v > 0 {
			vcfg.SilenceBudget = v
		}
		maxRecord := cfg.Recording.MaxRecord
		if v, _ := flags.GetDuration("max-record"); v > 0 {
			maxRecord = v
		}

		fs := afero.NewOsFs()
		f, err := fs.Open(file)
		if err != nil {
			return fmt.Errorf("open %s: %w", file, err)
		}
		defer f.Close()

		frames, err := wav.ReadFrames(f, cfg.Capture.FrameDuration)
		if err != nil {
			return err
		}
		logger.Debug("replaying file", "file", file, "frames", len(frames))

		rep, err := replay(frames, vcfg, maxRecord)
		if err != nil {
			return err
		}

		if rep.Stopped {
			fmt.Printf("stop: %s at %v\n", rep.Reason, rep.At)
		} else {
			fmt.Printf("stop: none (input ended at %v, silent for %v)\n", rep.At, rep.SilentFor)
		}
		fmt.Printf("frames: %d (voiced %d), peak rms %.4f, last voiced at %v\n",
			rep.Frames, rep.Voiced, rep.PeakRMS, rep.LastVoicedAt)

		if outPath != "" {
			if err := afero.WriteFile(fs, outPath, rep.Utterance.Data, 0o644); err != nil {
				return fmt.Errorf("write utterance: %w", err)
			}
			fmt.Printf("utterance: %s (%s, %d bytes)\n", outPath, rep.Utterance.MimeType(), len(rep.Utterance.Data))
		}
		return nil
	},
}

// replayReport summarizes what a recording of the replayed input would do.
type replayReport struct {
	Stopped      bool
	Reason       autostop.Reason
	At           time.Duration
	Frames       int
	Voiced       int
	PeakRMS      float64
	LastVoicedAt time.Duration
	SilentFor    time.Duration
	Utterance    *encoder.Payload
}

// replay feeds frames through the same detector, deadlines and encoder a
// live recording uses, on the file's own clock.
func replay(frames []rtc.AudioFrame, cfg vad.Config, maxRecord time.Duration) (*replayReport, error) {
	det, err := vad.New(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := autostop.Arm(det, maxRecord, nil)
	if err != nil {
		return nil, err
	}
	defer policy.Disarm()

	rep := &replayReport{}
	var rec *encoder.Recorder
	for _, frame := range frames {
		if rec == nil {
			rec, err = encoder.NewRecorder(encoder.RecorderConfig{
				Format:    encoder.Format{SampleRate: frame.SampleRate, Channels: frame.NumChannels},
				Container: encoder.WAV,
			})
			if err != nil {
				return nil, err
			}
		}
		if err := rec.Write(frame); err != nil {
			return nil, err
		}

		res, reason, fired := policy.Observe(frame)
		rep.Frames++
		rep.At = res.At
		rep.PeakRMS = max(rep.PeakRMS, res.RMS)
		if res.Voiced {
			rep.Voiced++
		}
		if fired {
			rep.Stopped = true
			rep.Reason = reason
			break
		}
	}
	rep.LastVoicedAt = det.LastVoicedAt()
	rep.SilentFor = det.SilentFor(rep.At)

	if rec == nil {
		return nil, fmt.Errorf("input has no audio")
	}
	if err := rec.RequestData(); err != nil {
		return nil, err
	}
	if rep.Utterance, err = rec.Stop(); err != nil {
		return nil, err
	}
	return rep, nil
}
