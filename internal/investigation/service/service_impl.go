package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/casefile-ai/casefile/internal/agents"
	"github.com/casefile-ai/casefile/internal/clock"
	"github.com/casefile-ai/casefile/internal/config"
	investigationdomain "github.com/casefile-ai/casefile/internal/investigation/domain"
	"github.com/casefile-ai/casefile/internal/investigation/stream"
	ledgerdomain "github.com/casefile-ai/casefile/internal/ledger/domain"
	obsmetrics "github.com/casefile-ai/casefile/internal/observability/metrics"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	LedgerSvc  ledgerdomain.Service
	Agents     []agents.Agent
	Hub        *stream.Hub
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Cfg        config.Config
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	ledgerSvc  ledgerdomain.Service
	agents     []agents.Agent
	hub        *stream.Hub
	obsMetrics *obsmetrics.Metrics
	threshold  float64
}

func NewService(p Params) investigationdomain.Service {
	return &Service{
		log:        p.Log.Named("investigation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		ledgerSvc:  p.LedgerSvc,
		agents:     p.Agents,
		hub:        p.Hub,
		obsMetrics: p.ObsMetrics,
		threshold:  p.Cfg.QualityThreshold,
	}
}

func (s *Service) Start(ctx context.Context, req investigationdomain.Request) (string, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return "", investigationdomain.ErrInvalidSubject
	}
	if !req.ConsentConfirmed {
		return "", investigationdomain.ErrConsentRequired
	}

	has, err := s.ledgerSvc.HasCredits(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if !has {
		return "", investigationdomain.ErrInsufficientCredits
	}

	investigationID := s.genID.Generate().String()

	// One usage transaction exists for every investigation that starts,
	// before any stage runs.
	ok, err := s.ledgerSvc.DeductCredits(ctx, req.UserID, 1, investigationID, "Investigation: "+req.Subject)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", investigationdomain.ErrInsufficientCredits
	}

	s.hub.Open(investigationID)
	go s.run(ctx, investigationID, req)

	return investigationID, nil
}

func (s *Service) run(ctx context.Context, investigationID string, req investigationdomain.Request) {
	defer s.hub.Close(investigationID)

	input := agents.Input{Subject: req.Subject, Details: req.Details}
	state := &agents.State{}

	for _, agent := range s.agents {
		s.publish(investigationID, investigationdomain.EventStageChanged, investigationdomain.StageChangedData{
			Stage: agent.Name(),
		})

		started := s.clock.Now()
		s.publish(investigationID, investigationdomain.EventAgentStarted, investigationdomain.AgentStartedData{
			Agent:     agent.Name(),
			Timestamp: started.Format(time.RFC3339),
		})

		if err := agent.Run(ctx, input, state); err != nil {
			s.failInvestigation(investigationID, req.UserID, agent.Name(), err)
			return
		}

		duration := s.clock.Now().Sub(started)
		s.observeStage(agent.Name(), duration)
		s.publish(investigationID, investigationdomain.EventAgentCompleted, investigationdomain.AgentCompletedData{
			Agent:    agent.Name(),
			Duration: duration.Seconds(),
		})
	}

	refunded := false
	if state.QualityScore < s.threshold {
		if err := s.refund(req.UserID, investigationID, "Quality gate failed"); err != nil {
			s.log.Error("quality gate refund failed",
				zap.String("investigation_id", investigationID),
				zap.Error(err),
			)
		} else {
			refunded = true
		}
		s.log.Info("quality gate failed",
			zap.String("investigation_id", investigationID),
			zap.Float64("score", state.QualityScore),
			zap.Float64("threshold", s.threshold),
		)
	}

	s.recordInvestigation("complete", refunded)
	s.publish(investigationID, investigationdomain.EventComplete, investigationdomain.CompleteData{
		InvestigationID: investigationID,
		QualityScore:    state.QualityScore,
		CreditRefunded:  refunded,
	})
}

// failInvestigation refunds unconditionally and emits the terminal error
// event; no further stages run.
func (s *Service) failInvestigation(investigationID string, userID snowflake.ID, agentName string, cause error) {
	refunded := false
	if err := s.refund(userID, investigationID, "Generation failed"); err != nil {
		s.log.Error("failure refund did not apply",
			zap.String("investigation_id", investigationID),
			zap.Error(err),
		)
	} else {
		refunded = true
	}

	s.log.Error("investigation stage failed",
		zap.String("investigation_id", investigationID),
		zap.String("agent", agentName),
		zap.Error(cause),
	)
	s.recordInvestigation("error", refunded)
	s.publish(investigationID, investigationdomain.EventError, investigationdomain.ErrorData{
		Message:        cause.Error(),
		CreditRefunded: refunded,
	})
}

// refund runs on a fresh context: a canceled request must not skip ledger
// reconciliation.
func (s *Service) refund(userID snowflake.ID, investigationID, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.ledgerSvc.RefundCredits(ctx, userID, 1, investigationID, reason)
}

func (s *Service) publish(investigationID, event string, data any) {
	s.hub.Publish(investigationID, investigationdomain.ProgressEvent{Event: event, Data: data})
}

func (s *Service) observeStage(agent string, d time.Duration) {
	if s.obsMetrics != nil {
		s.obsMetrics.ObserveStageDuration(agent, d)
	}
}

func (s *Service) recordInvestigation(result string, refunded bool) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordInvestigation(result, refunded)
	}
}
