package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	commonconfig "github.com/troika/troika/internal/common/config"
	"github.com/troika/troika/internal/common/errors"
	"github.com/troika/troika/internal/engine"
	"github.com/troika/troika/internal/events"
)

const (
	maxRounds = 10

	defaultStageTimeoutSecs = 300
	// A stage may be extended once, by up to half its timeout, capped here.
	maxStageExtension = 30 * time.Second
)

// Participant is one roundtable seat.
type Participant struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Model string `json:"model,omitempty"`
}

// RoundtableRequest runs a bounded multi-round deliberation.
type RoundtableRequest struct {
	CD                  string        `json:"cd"`
	Client              string        `json:"client,omitempty"`
	ConversationID      string        `json:"conversation_id,omitempty"`
	Topic               string        `json:"topic"`
	Participants        []Participant `json:"participants"`
	Rounds              int           `json:"rounds"`
	Round1ForceNew      bool          `json:"round1_force_new,omitempty"`
	ContextLevel        string        `json:"round_context_level,omitempty"`
	PerAgentMaxChars    int           `json:"round_context_per_agent_max_chars,omitempty"`
	TotalMaxChars       int           `json:"round_context_max_chars,omitempty"`
	StageTimeoutSecs    int           `json:"round_stage_timeout_secs,omitempty"`
	StageMinSuccesses   int           `json:"round_stage_min_successes,omitempty"`
	OnlyStage1Success   bool          `json:"round2_only_stage1_success,omitempty"`
	AnonymousViewpoints bool          `json:"round_anonymous_viewpoints,omitempty"`
	PersistArtifacts    bool          `json:"persist_round_artifacts,omitempty"`
}

// Contribution is one participant's output in one round.
type Contribution struct {
	Name      string           `json:"name"`
	Role      string           `json:"role"`
	SessionID string           `json:"session_id,omitempty"`
	Message   string           `json:"message,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
	Error     *errors.AppError `json:"error,omitempty"`
}

// ContextStats describes the carryover fed into the next round.
type ContextStats struct {
	Participants   int  `json:"participants"`
	Successes      int  `json:"successes"`
	CarryoverChars int  `json:"carryover_chars"`
	Truncated      bool `json:"truncated"`
}

// RoundReport is the structured output for one round.
type RoundReport struct {
	Round         int            `json:"round"`
	Stage         string         `json:"stage"`
	Summary       string         `json:"summary"`
	ContextStats  ContextStats   `json:"context_stats"`
	Contributions []Contribution `json:"contributions"`
	FailedCount   int            `json:"failed_count"`
	Dynamics      *RoundDynamics `json:"discussion_dynamics,omitempty"`
}

// RoundtableResult is the full deliberation outcome. No synthesis is
// performed; that is the caller's responsibility.
type RoundtableResult struct {
	Success       bool             `json:"success"`
	Topic         string           `json:"topic"`
	Rounds        []RoundReport    `json:"rounds"`
	AbortedReason string           `json:"aborted_reason,omitempty"`
	ArtifactDir   string           `json:"artifact_dir,omitempty"`
	Error         *errors.AppError `json:"error,omitempty"`
}

// Roundtable runs up to req.Rounds rounds. Round 1 establishes sessions;
// later rounds are resume-only against each participant's round-1 session.
func (o *Orchestrator) Roundtable(ctx context.Context, req RoundtableRequest) RoundtableResult {
	if strings.TrimSpace(req.Topic) == "" {
		return RoundtableResult{Error: errors.ConfigInvalid("topic is required")}
	}
	if len(req.Participants) == 0 {
		return RoundtableResult{Error: errors.ConfigInvalid("participants must be non-empty")}
	}
	for _, p := range req.Participants {
		if strings.TrimSpace(p.Name) == "" {
			return RoundtableResult{Error: errors.ConfigInvalid("participant name must be non-empty")}
		}
	}

	rounds := req.Rounds
	if rounds < 1 {
		rounds = 1
	}
	if rounds > maxRounds {
		rounds = maxRounds
	}
	budget := budgetForLevel(req.ContextLevel, req.PerAgentMaxChars, req.TotalMaxChars)
	stageTimeout := time.Duration(defaultStageTimeoutSecs) * time.Second
	if req.StageTimeoutSecs > 0 {
		stageTimeout = time.Duration(req.StageTimeoutSecs) * time.Second
	}
	minSuccesses := req.StageMinSuccesses
	if minSuccesses <= 0 {
		minSuccesses = 1
	}

	result := RoundtableResult{Topic: req.Topic, Success: true}

	var artifactDir string
	if req.PersistArtifacts {
		artifactDir = filepath.Join(commonconfig.DataDir(), "roundtables", uuid.New().String())
		if err := os.MkdirAll(artifactDir, 0o755); err != nil {
			o.logger.Warn("failed to create artifact dir", zap.String("dir", artifactDir), zap.Error(err))
			artifactDir = ""
		}
	}
	if artifactDir != "" {
		result.ArtifactDir = artifactDir
		writeArtifact(artifactDir, "run.start.json", map[string]any{
			"topic":        req.Topic,
			"participants": req.Participants,
			"rounds":       rounds,
			"started_at":   time.Now().UTC().Format(time.RFC3339),
		})
	}

	displayNames := make(map[string]string, len(req.Participants))
	for i, p := range req.Participants {
		if req.AnonymousViewpoints {
			displayNames[p.Name] = fmt.Sprintf("Response %c", 'A'+i%26)
		} else {
			displayNames[p.Name] = p.Name
		}
	}

	active := req.Participants
	round1Sessions := make(map[string]string)
	var carryoverBlocks []string
	var prevTexts map[string]string

	for r := 1; r <= rounds; r++ {
		carryover, carryTruncated := mergeCarryover(carryoverBlocks, budget)

		tasks := make([]stageTask, len(active))
		for i, p := range active {
			prompt := o.buildRoundPrompt(r, rounds, req.Topic, carryover, displayNames[p.Name], roleFor(p))
			call := engine.CallRequest{
				Prompt:         prompt,
				CD:             req.CD,
				Role:           roleFor(p),
				Client:         req.Client,
				ConversationID: req.ConversationID,
				TimeoutSecs:    int(stageTimeout / time.Second),
				ModelOverride:  p.Model,
			}
			if r == 1 {
				call.ForceNewSession = req.Round1ForceNew
			} else {
				call.SessionID = round1Sessions[p.Name]
			}
			tasks[i] = stageTask{participant: p, call: call}
		}

		contributions := o.runStage(ctx, tasks, stageTimeout, minSuccesses)

		texts := make(map[string]string)
		successes := 0
		failed := 0
		for _, c := range contributions {
			if c.Error == nil {
				successes++
				texts[c.Name] = c.Message
				if r == 1 && c.SessionID != "" {
					round1Sessions[c.Name] = c.SessionID
				}
			} else {
				failed++
				result.Success = false
			}
		}

		report := RoundReport{
			Round:         r,
			Stage:         stageName(r),
			Summary:       fmt.Sprintf("%d/%d participants succeeded", successes, len(active)),
			Contributions: contributions,
			FailedCount:   failed,
			ContextStats: ContextStats{
				Participants:   len(active),
				Successes:      successes,
				CarryoverChars: len(carryover),
				Truncated:      carryTruncated,
			},
		}

		converged := false
		if r >= 2 {
			report.Dynamics = measureDynamics(prevTexts, texts)
			converged = report.Dynamics != nil && report.Dynamics.Converged
		}

		result.Rounds = append(result.Rounds, report)
		if artifactDir != "" {
			writeArtifact(artifactDir, fmt.Sprintf("round-%02d.json", r), report)
		}

		if converged {
			result.AbortedReason = fmt.Sprintf("discussion_converged_at_round_%d", r)
			break
		}

		// Prepare the next round.
		order := make([]string, 0, len(active))
		for _, p := range active {
			if _, ok := texts[p.Name]; ok {
				order = append(order, displayNames[p.Name])
			}
		}
		displayTexts := make(map[string]string, len(texts))
		for name, text := range texts {
			displayTexts[displayNames[name]] = text
		}
		block, _ := renderRoundBlock(r, order, displayTexts, budget)
		carryoverBlocks = append(carryoverBlocks, block)
		prevTexts = texts

		if r == 1 && req.OnlyStage1Success {
			var next []Participant
			for _, p := range active {
				if _, ok := texts[p.Name]; ok {
					next = append(next, p)
				}
			}
			active = next
		}
		if len(active) == 0 || successes == 0 {
			result.AbortedReason = "no_successful_participants"
			break
		}
	}

	if artifactDir != "" {
		writeArtifact(artifactDir, "run.complete.json", result)
	}
	return result
}

type stageTask struct {
	participant Participant
	call        engine.CallRequest
}

// runStage executes one round's fan-out under a shared deadline. When the
// deadline fires with fewer than minSuccesses successful participants, the
// stage gets one bounded extension; anything still in flight afterwards is
// recorded as a stage_timeout failure.
func (o *Orchestrator) runStage(ctx context.Context, tasks []stageTask, timeout time.Duration, minSuccesses int) []Contribution {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	contributions := make([]Contribution, len(tasks))
	doneCh := make(chan int, len(tasks))

	for i, t := range tasks {
		i, t := i, t
		go func() {
			o.notifier.Notify(events.Event{Type: "task.started", Name: t.participant.Name, Role: t.call.Role})
			res := o.engine.Call(stageCtx, t.call)

			c := Contribution{
				Name:      t.participant.Name,
				Role:      t.call.Role,
				SessionID: res.SessionID,
				Message:   res.Message,
				Warnings:  res.Warnings,
			}
			status := "ok"
			if !res.Success {
				status = "error"
				c.Error = res.Error
			}
			contributions[i] = c
			o.notifier.Notify(events.Event{Type: "task.completed", Name: t.participant.Name, Role: t.call.Role, Status: status})
			doneCh <- i
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	completed := 0
	successes := 0
	extended := false
	deadlineFired := false
	for completed < len(tasks) {
		select {
		case i := <-doneCh:
			completed++
			if contributions[i].Error == nil {
				successes++
			}
			if deadlineFired && contributions[i].Error != nil &&
				errors.IsKind(contributions[i].Error, errors.KindCancelled) {
				contributions[i].Error = errors.StageTimeout("participant exceeded the round deadline")
			}
		case <-timer.C:
			if !extended && successes < minSuccesses {
				extended = true
				ext := timeout / 2
				if ext > maxStageExtension {
					ext = maxStageExtension
				}
				o.logger.Info("extending stage deadline",
					zap.Duration("extension", ext),
					zap.Int("successes", successes),
					zap.Int("min_successes", minSuccesses))
				timer.Reset(ext)
				continue
			}
			deadlineFired = true
			cancel()
		}
	}
	return contributions
}

func (o *Orchestrator) buildRoundPrompt(round, total int, topic, carryover, displayName, role string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ROUND %d/%d\nTOPIC:\n%s\n\n", round, total, strings.TrimSpace(topic))
	if round == 1 {
		fmt.Fprintf(&b, "You are a roundtable participant named '%s' (role: %s).\n\n", displayName, role)
		b.WriteString("Reply with:\n" +
			"1) Position (1-2 sentences)\n" +
			"2) Arguments (bullets)\n" +
			"3) Risks/edge cases (bullets)\n" +
			"4) Recommendation (actionable)\n\n" +
			"Constraints:\n" +
			"- Do not claim to have run commands unless you actually did.\n" +
			"- Prefer referencing repo paths when relevant.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "PREVIOUS ROUNDS:\n%s\n\n", carryover)
	fmt.Fprintf(&b, "You are '%s' (role: %s). Peers have replied above.\n\n", displayName, role)
	b.WriteString("Reply with:\n" +
		"1) Position update (did the other responses change your view?)\n" +
		"2) Agreements (cite peers)\n" +
		"3) Disagreements (cite peers)\n" +
		"4) New insights\n" +
		"5) Updated recommendation\n\n" +
		"Cite peers by the names shown in the previous rounds when you agree or disagree.\n")
	return b.String()
}

func stageName(round int) string {
	if round == 1 {
		return "initial_positions"
	}
	return "debate"
}

func roleFor(p Participant) string {
	if strings.TrimSpace(p.Role) != "" {
		return p.Role
	}
	return strings.TrimSpace(p.Name)
}

func writeArtifact(dir, name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, name), append(data, '\n'), 0o644)
}
