package turn

import (
	"context"
	"regexp"
	"strings"
)

// Threshold is the score at or above which the heuristic declares the turn over.
const Threshold = 0.5

const minUtteranceLength = 2

type cue struct {
	weight   float64
	patterns []*regexp.Regexp
}

func re(expr string) *regexp.Regexp { return regexp.MustCompile(expr) }

var (
	definitiveEnding = re(`[.!]\s*$`)

	cues = []cue{
		{weight: 0.7, patterns: []*regexp.Regexp{ // questions
			re(`\?\s*$`),
			re(`(?i)^(what|how|why|when|where|who|which|can|could|would|should|do|does|did|is|are|was|were)\b.*[?.]?\s*$`),
			re(`(?i)\b(right|okay|ok)\?\s*$`),
			re(`(?i)\b(you know|understand|make sense)\?\s*$`),
		}},
		{weight: 0.8, patterns: []*regexp.Regexp{ // completion phrases
			re(`(?i)\b(that's it|that's all|done|finished|complete)\b`),
			re(`(?i)\b(thank you|thanks|bye|goodbye|see you)\b`),
			re(`(?i)\b(anyway|anyhow|well|so|ok|okay|alright)\s*[.!]?\s*$`),
			re(`(?i)\b(never mind|forget it|doesn't matter)\b`),
		}},
		{weight: 0.6, patterns: []*regexp.Regexp{ // short responses
			re(`(?i)\b(yes|no|sure|okay|alright|exactly|correct|right)\s*[.!]?\s*$`),
			re(`(?i)\b(I think|I believe|I guess|I suppose)\b.*[.!]\s*$`),
			re(`(?i)\b(maybe|probably|perhaps|possibly)\s*[.!]?\s*$`),
		}},
		{weight: -0.7, patterns: []*regexp.Regexp{ // the speaker is mid-clause
			re(`(?i)\b(and|but|or|so|because|since|although|while|if|when|where|that|which)\s*$`),
			re(`,\s*$`),
			re(`(?i)\b(the|a|an)\s*$`),
			re(`(?i)\b(in|on|at|by|for|with|to|from)\s*$`),
			re(`(?i)\b(I'm|I am|I was|I will|I have|I had)\s*$`),
			re(`(?i)\b(going to|want to|need to|have to)\s*$`),
			re(`(?i)\b(kind of|sort of|type of)\s*$`),
		}},
		{weight: 0.3, patterns: []*regexp.Regexp{ // fillers and pauses
			re(`(?i)\b(um|uh|hmm|er|ah|eh)\s*$`),
			re(`\.{2,}\s*$`),
		}},
		{weight: 0.5, patterns: []*regexp.Regexp{ // commands
			re(`(?i)^(please|can you|could you|would you)\b.*[.!]?\s*$`),
			re(`(?i)\b(help me|show me|tell me|give me|send me)\b.*[.!]?\s*$`),
			re(`(?i)\b(find|search|look for|check)\b.*[.!]?\s*$`),
		}},
		{weight: 0.4, patterns: []*regexp.Regexp{ // emotional endings
			re(`(?i)\b(wow|great|amazing|awesome|terrible|awful|sad|happy|excited|surprised)\s*[!.]\s*$`),
			re(`!{2,}\s*$`),
			re(`(?i)\b(oh no|oh wow|oh my|oh god|oh dear)\b`),
		}},
		{weight: 0.5, patterns: []*regexp.Regexp{ // turn-taking
			re(`(?i)\b(you know|I mean|like I said|basically|actually|honestly|seriously)\b.*[.!]\s*$`),
			re(`(?i)\b(right|correct|exactly|precisely|absolutely)\s*[.!]?\s*$`),
			re(`(?i)\b(your turn|go ahead|over to you)\b`),
		}},
	}
)

// Heuristic scores the utterance text alone. It is deterministic and never
// returns an error.
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) IsEndOfTurn(_ context.Context, utterance string, _ []Message) (bool, error) {
	return Score(utterance) >= Threshold, nil
}

// Score is the weighted sum behind the heuristic decision. Utterances shorter
// than the minimum length score zero.
func Score(utterance string) float64 {
	trimmed := strings.TrimSpace(utterance)
	if len(trimmed) < minUtteranceLength {
		return 0
	}

	score := 0.0
	if definitiveEnding.MatchString(trimmed) {
		score += 0.9
	}
	for _, c := range cues {
		for _, p := range c.patterns {
			if p.MatchString(trimmed) {
				score += c.weight
				break
			}
		}
	}

	words := len(strings.Fields(trimmed))
	if words >= 3 && words <= 15 {
		score += 0.2
	}
	if words > 20 {
		score += 0.1
	}
	return score
}
