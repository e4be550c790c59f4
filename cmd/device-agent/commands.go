package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/engagement-pipeline/internal/device/syncer"
	"github.com/noah-isme/engagement-pipeline/internal/models"
)

func (a *agent) record(ctx context.Context, args []string) error {
	var (
		classroom string
		lesson    string
		category  string
		kind      string
		score     int
		subject   string
		meta      string
	)
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.StringVar(&classroom, "classroom", "", "classroom scope")
	fs.StringVar(&lesson, "lesson", "", "optional lesson id")
	fs.StringVar(&category, "category", string(models.CategoryEmpathy), "behavior category")
	fs.StringVar(&kind, "type", "", "interaction type code")
	fs.IntVar(&score, "score", 3, "score from 1 to 5")
	fs.StringVar(&subject, "subject", "", "local student id, hashed before storage")
	fs.StringVar(&meta, "meta", "", "metadata as key=value pairs separated by commas")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if classroom == "" || kind == "" || subject == "" {
		return errors.New("record requires -classroom, -type and -subject")
	}

	var lessonID *string
	if lesson != "" {
		lessonID = &lesson
	}
	before, err := a.store.Depth()
	if err != nil {
		return err
	}
	a.recorder(subject).RecordEvent(ctx, classroom, lessonID, category, kind, score, parseMeta(meta))
	after, err := a.store.Depth()
	if err != nil {
		return err
	}
	if after <= before {
		a.logger.Warn("event was not captured, see log for the reason")
	}
	return nil
}

func parseMeta(raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]interface{})
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			out[key] = n
			continue
		}
		if b, err := strconv.ParseBool(value); err == nil {
			out[key] = b
			continue
		}
		out[key] = value
	}
	return out
}

var simulatedInteractions = []string{"peer_help", "group_work", "speak_up", "share_idea", "lead_activity", "encourage"}

func (a *agent) simulate(ctx context.Context, args []string) error {
	var (
		n         int
		classroom string
		students  int
		seed      int64
	)
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.IntVar(&n, "n", 100, "number of events to capture")
	fs.StringVar(&classroom, "classroom", "class-demo", "classroom scope")
	fs.IntVar(&students, "students", 25, "distinct simulated students")
	fs.Int64Var(&seed, "seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if students <= 0 {
		students = 1
	}

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		subject := fmt.Sprintf("student-%03d", rng.Intn(students))
		category := models.Categories[rng.Intn(len(models.Categories))]
		kind := simulatedInteractions[rng.Intn(len(simulatedInteractions))]
		a.recorder(subject).RecordEvent(ctx, classroom, nil, string(category), kind, 1+rng.Intn(5), map[string]interface{}{"round": float64(i % 10)})
	}

	depth, err := a.store.Depth()
	if err != nil {
		return err
	}
	a.logger.Info("simulated capture finished", zap.Int("requested", n), zap.Int("queue_depth", depth))
	return nil
}

func (a *agent) status(ctx context.Context, out io.Writer) error {
	stats, err := a.store.Stats()
	if err != nil {
		return err
	}
	signals, err := a.signals()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"deviceId": a.cfg.DeviceID,
		"queue":    stats,
		"policy":   syncer.PolicyFor(signals.Signals(ctx)),
	})
}

func (a *agent) purge(ctx context.Context, args []string, out io.Writer) error {
	var (
		confirm bool
		reason  string
	)
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.BoolVar(&confirm, "confirm", false, "required: acknowledge that queued events are lost")
	fs.StringVar(&reason, "reason", "", "reason recorded in the log")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !confirm {
		return errors.New("purge deletes undelivered events; rerun with -confirm")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "operator request"
	}
	removed, err := a.store.Purge(ctx, reason)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "purged %d events\n", removed)
	return err
}
