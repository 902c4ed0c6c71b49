package scar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/models"
)

// Request describes one command invocation
type Request struct {
	ProjectID string
	Command   models.CommandType
	Args      []string
	RepoURL   string
}

// Runner executes a SCAR command. onMessage is called for each message SCAR
// emits while the command runs; an error from onMessage aborts the run.
type Runner interface {
	Run(ctx context.Context, req Request, onMessage func(Message) error) (string, error)
}

// ClientRunner runs commands against a live SCAR adapter
type ClientRunner struct {
	client *Client
	logger logging.Logger
}

// NewClientRunner creates a runner backed by client
func NewClientRunner(client *Client, logger logging.Logger) *ClientRunner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ClientRunner{client: client, logger: logger}
}

// Run sends the command, waits for SCAR to settle and returns the joined
// message text as output. The conversation is cleared afterwards.
func (r *ClientRunner) Run(ctx context.Context, req Request, onMessage func(Message) error) (string, error) {
	name := req.Command.Name()
	if name == "" {
		return "Unknown command", ErrUnknownCommand
	}

	conversationID, err := r.client.SendCommand(ctx, req.ProjectID, name, req.Args, req.RepoURL)
	if err != nil {
		return "", err
	}
	defer func() {
		// use a fresh context so a cancelled run still cleans up
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.client.ClearMessages(cleanupCtx, conversationID); err != nil {
			r.logger.Warn("Failed to clear SCAR conversation",
				logging.F("conversation_id", conversationID), logging.Err(err))
		}
	}()

	messages, err := r.client.WaitForCompletion(ctx, conversationID, onMessage)
	if err != nil {
		return "", err
	}
	return JoinMessages(messages), nil
}

// JoinMessages concatenates message bodies, one per line
func JoinMessages(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Message)
	}
	return strings.Join(parts, "\n")
}

// SimulatedRunner returns canned responses without contacting SCAR. It is
// used for local development and demos.
type SimulatedRunner struct {
	// Delay is how long each command pretends to run
	Delay time.Duration
}

// NewSimulatedRunner creates a simulated runner with the default delay
func NewSimulatedRunner() *SimulatedRunner {
	return &SimulatedRunner{Delay: 500 * time.Millisecond}
}

// Run emits each line of the canned output as a message and returns it
func (r *SimulatedRunner) Run(ctx context.Context, req Request, onMessage func(Message) error) (string, error) {
	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	output, ok := simulatedOutput(req)
	if !ok {
		return output, ErrUnknownCommand
	}

	if onMessage != nil {
		for _, line := range strings.Split(output, "\n") {
			if err := onMessage(Message{Message: line, Timestamp: time.Now().UTC(), Direction: DirectionSent}); err != nil {
				return "", err
			}
		}
	}
	return output, nil
}

func simulatedOutput(req Request) (string, bool) {
	switch req.Command {
	case models.CommandPrime:
		return "Primed project context successfully.\n" +
			"Analyzed 127 files, loaded key dependencies and patterns.\n" +
			"Ready for feature planning and implementation.", true

	case models.CommandPlanFeatureGitHub, models.CommandPlanFeature:
		feature := "Feature"
		if len(req.Args) > 0 {
			feature = req.Args[0]
		}
		return fmt.Sprintf("Created implementation plan for: %s\n", feature) +
			"Plan includes 5 steps across 8 files.\n" +
			fmt.Sprintf("Branch: feature/%s\n", strings.ReplaceAll(strings.ToLower(feature), " ", "-")) +
			"Plan document saved to .agents/plans/", true

	case models.CommandExecuteGitHub, models.CommandExecute:
		return "Executed implementation plan successfully.\n" +
			"Modified 8 files, created 3 new files.\n" +
			"All tests passing.\n" +
			"Pull request created: #123", true

	case models.CommandValidate:
		return "Validation complete.\n" +
			"✓ All tests passing (127/127)\n" +
			"✓ Code quality checks passed\n" +
			"✓ No security issues found\n" +
			"Ready for review and merge.", true
	}
	return "Unknown command", false
}
