package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/orchestrator"
)

// orderRunner runs one order request.
type orderRunner interface {
	Run(ctx context.Context, req orchestrator.Request) (*model.Report, error)
}

var (
	orderText         string
	orderAudio        string
	orderDryRun       bool
	orderConfirm      bool
	orderKey          string
	orderUnits        map[string]string
	orderAddress      string
	orderWindow       string
	orderInstructions string
)

var orderCmd = &cobra.Command{
	Use:          "order",
	Short:        "Place or preview a grocery order from text or audio",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildOrderRequest()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var opts []orchestrator.Option
		if !req.DryRun && !req.Confirm {
			opts = append(opts, orchestrator.WithConfirmer(newPromptConfirmer(os.Stdin, os.Stderr)))
		}

		env, err := initOrderEnv(ctx, "order", opts...)
		if err != nil {
			return err
		}
		defer env.Close()

		return runOrder(ctx, env.Orchestrator, req, os.Stdout)
	},
}

func init() {
	orderCmd.Flags().StringVar(&orderText, "text", "", "typed grocery request")
	orderCmd.Flags().StringVar(&orderAudio, "audio", "", "path to a recorded grocery request")
	orderCmd.Flags().BoolVar(&orderDryRun, "dry-run", true, "preview the cart without touching the retailer cart")
	orderCmd.Flags().BoolVar(&orderConfirm, "confirm", false, "place the order without asking")
	orderCmd.Flags().StringVar(&orderKey, "key", "", "idempotency key; reuse it to resume an order")
	orderCmd.Flags().StringToStringVar(&orderUnits, "unit", nil, "unit for an item requested in conflicting units (name=unit)")
	orderCmd.Flags().StringVar(&orderAddress, "address", "", "delivery address")
	orderCmd.Flags().StringVar(&orderWindow, "window", "", "delivery window")
	orderCmd.Flags().StringVar(&orderInstructions, "instructions", "", "delivery instructions")
	rootCmd.AddCommand(orderCmd)
}

func buildOrderRequest() (orchestrator.Request, error) {
	text := strings.TrimSpace(orderText)
	audio := strings.TrimSpace(orderAudio)
	if (text == "") == (audio == "") {
		return orchestrator.Request{}, eris.New("exactly one of --text or --audio is required")
	}

	req := orchestrator.Request{
		IdempotencyKey: orderKey,
		Mode:           orchestrator.InputText,
		Payload:        text,
		DryRun:         orderDryRun,
		Confirm:        orderConfirm,
		UnitDefaults:   orderUnits,
		Delivery: model.DeliveryDetails{
			Address:      orderAddress,
			Window:       orderWindow,
			Instructions: orderInstructions,
		},
	}
	if audio != "" {
		req.Mode = orchestrator.InputVoice
		req.Payload = audio
	}
	return req, nil
}

// runOrder prints the report as JSON and returns an error when the order
// failed, so the process exits non-zero.
func runOrder(ctx context.Context, r orderRunner, req orchestrator.Request, out io.Writer) error {
	rep, err := r.Run(ctx, req)
	if rep != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rep); encErr != nil {
			return eris.Wrap(encErr, "encode report")
		}
	}
	if err != nil {
		return eris.Wrap(err, "order")
	}
	if rep.Status == model.ReportFailed {
		return eris.Errorf("order %s failed: %s", rep.IdempotencyKey, rep.Error)
	}
	return nil
}
