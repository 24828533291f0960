package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/app"
	"github.com/tiger/outreach-voice-engine/internal/config"
	"github.com/tiger/outreach-voice-engine/internal/postcall"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/bootstrap"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "ove-analyze: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	Config     string        `short:"c" long:"config" env:"OVE_CONFIG" description:"engine YAML file; the built-in static setup is used when empty"`
	EnvFiles   []string      `long:"env-file" description:"dotenv file loaded before the config is read" default:".env"`
	Transcript string        `short:"t" long:"transcript" default:"-" description:"call JSON file, or - for stdin"`
	Timeout    time.Duration `long:"timeout" default:"60s" description:"analysis deadline"`
}

// callInput is a saved call record, optionally carrying the lead inline.
type callInput struct {
	CallID     string                `json:"call_id"`
	Lead       callengine.Lead       `json:"lead"`
	Transcript callengine.Transcript `json:"transcript"`
}

type report struct {
	CallID     string                  `json:"call_id"`
	Analysis   callengine.CallAnalysis `json:"analysis"`
	LeadUpdate callengine.LeadUpdate   `json:"lead_update"`
}

func run(args []string, stdin io.Reader, stdout io.Writer, now func() time.Time) error {
	opts := &options{}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			_, _ = fmt.Fprintln(stdout, flagErr.Message)
			return nil
		}
		return err
	}

	if err := config.LoadDotEnv(opts.EnvFiles...); err != nil {
		return err
	}
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	input, err := readInput(opts.Transcript, stdin)
	if err != nil {
		return err
	}

	providers, err := bootstrap.Build(cfg.Providers, bootstrap.Options{MaxAttemptsPerProvider: cfg.MaxAttemptsPerProvider})
	if err != nil {
		return fmt.Errorf("provider bootstrap failed: %w", err)
	}
	analyzer, err := app.NewAnalyzer(cfg, providers, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	analysis, err := analyzer.Analyze(ctx, input.CallID, input.Transcript, input.Lead.Name, input.Lead.Company)
	if err != nil && !postcall.IsDegraded(err) {
		return err
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report{
		CallID:     input.CallID,
		Analysis:   analysis,
		LeadUpdate: postcall.DeriveLeadUpdate(analysis, now()),
	})
}

func readInput(path string, stdin io.Reader) (callInput, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return callInput{}, fmt.Errorf("read transcript: %w", err)
	}
	var input callInput
	if err := json.Unmarshal(data, &input); err != nil {
		return callInput{}, fmt.Errorf("decode transcript: %w", err)
	}
	if strings.TrimSpace(input.CallID) == "" {
		input.CallID = "adhoc"
	}
	return input, nil
}
