package agents

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	NameClassification   = "classification"
	NameProfileResearch  = "profile_research"
	NameDomainAnalysis   = "domain_analysis"
	NameOutputGeneration = "output_generation"
	NameQualityCheck     = "quality_check"
)

// Input carries the caller-supplied case parameters through the pipeline.
type Input struct {
	Subject string
	Details string
}

// State accumulates each stage's structured output; later stages read what
// earlier ones wrote.
type State struct {
	Classification string
	Profile        string
	DomainAnalysis string
	Output         string
	QualityScore   float64
}

// Agent is one pipeline stage. Stages run sequentially in pipeline order.
type Agent interface {
	Name() string
	Run(ctx context.Context, in Input, state *State) error
}

// Pipeline returns the fixed stage sequence.
func Pipeline(llm LLM) []Agent {
	return []Agent{
		&classificationAgent{llm: llm},
		&profileResearchAgent{llm: llm},
		&domainAnalysisAgent{llm: llm},
		&outputGenerationAgent{llm: llm},
		&qualityCheckAgent{llm: llm},
	}
}

type classificationAgent struct {
	llm LLM
}

func (a *classificationAgent) Name() string { return NameClassification }

func (a *classificationAgent) Run(ctx context.Context, in Input, state *State) error {
	out, err := a.llm.Complete(ctx,
		"You classify investigation requests. Answer with a short category label and one sentence explaining the case type.",
		fmt.Sprintf("Subject: %s\nDetails: %s", in.Subject, in.Details),
	)
	if err != nil {
		return err
	}
	state.Classification = strings.TrimSpace(out)
	return nil
}

type profileResearchAgent struct {
	llm LLM
}

func (a *profileResearchAgent) Name() string { return NameProfileResearch }

func (a *profileResearchAgent) Run(ctx context.Context, in Input, state *State) error {
	out, err := a.llm.Complete(ctx,
		"You are a research analyst. Build a factual profile of the subject from the provided material. List what is known and what is uncertain.",
		fmt.Sprintf("Case type: %s\nSubject: %s\nDetails: %s", state.Classification, in.Subject, in.Details),
	)
	if err != nil {
		return err
	}
	state.Profile = strings.TrimSpace(out)
	return nil
}

type domainAnalysisAgent struct {
	llm LLM
}

func (a *domainAnalysisAgent) Name() string { return NameDomainAnalysis }

func (a *domainAnalysisAgent) Run(ctx context.Context, in Input, state *State) error {
	out, err := a.llm.Complete(ctx,
		"You are a domain expert. Analyze the profile in the context of its case type and surface the angles the final report must cover.",
		fmt.Sprintf("Case type: %s\nProfile:\n%s", state.Classification, state.Profile),
	)
	if err != nil {
		return err
	}
	state.DomainAnalysis = strings.TrimSpace(out)
	return nil
}

type outputGenerationAgent struct {
	llm LLM
}

func (a *outputGenerationAgent) Name() string { return NameOutputGeneration }

func (a *outputGenerationAgent) Run(ctx context.Context, in Input, state *State) error {
	out, err := a.llm.Complete(ctx,
		"You write the final investigation report. Be structured, cite the analysis, and separate facts from inference.",
		fmt.Sprintf("Subject: %s\nCase type: %s\nProfile:\n%s\nAnalysis:\n%s",
			in.Subject, state.Classification, state.Profile, state.DomainAnalysis),
	)
	if err != nil {
		return err
	}
	state.Output = strings.TrimSpace(out)
	return nil
}

type qualityCheckAgent struct {
	llm LLM
}

func (a *qualityCheckAgent) Name() string { return NameQualityCheck }

func (a *qualityCheckAgent) Run(ctx context.Context, in Input, state *State) error {
	out, err := a.llm.Complete(ctx,
		"You grade investigation reports for completeness, structure and factual discipline. Respond with only a number from 0 to 10, decimals allowed.",
		state.Output,
	)
	if err != nil {
		return err
	}

	score, err := parseScore(out)
	if err != nil {
		return err
	}
	state.QualityScore = score
	return nil
}

// parseScore pulls the first 0-10 number out of the grader's reply; models
// occasionally wrap the number in prose despite the instruction.
func parseScore(out string) (float64, error) {
	for _, field := range strings.FieldsFunc(out, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	}) {
		score, err := strconv.ParseFloat(strings.Trim(field, "."), 64)
		if err != nil {
			continue
		}
		if score >= 0 && score <= 10 {
			return score, nil
		}
	}
	return 0, fmt.Errorf("unparseable quality score %q", strings.TrimSpace(out))
}
