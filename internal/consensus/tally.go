package consensus

import "sort"

// Abstain is the decision recorded for a participant that gave no usable
// position.
const Abstain = "abstain"

const (
	timeoutConfidence = 0.2
	errorConfidence   = 0.1
)

// Tally counts final-round votes by decision string.
//
// Winner is the plurality decision. Ties go to the decision with the highest
// summed confidence, then to the lexicographically smallest decision.
// Abstentions only win when every participant abstained. Confidence is
// winnerVotes / participants, independent of self-reported confidence.
func Tally(positions []Position, participants int, threshold float64) Decision {
	votes := make(map[string]int)
	weight := make(map[string]float64)
	abstained := 0
	for _, p := range positions {
		if p.Decision == Abstain {
			abstained++
			continue
		}
		votes[p.Decision]++
		weight[p.Decision] += p.Confidence
	}

	d := Decision{
		Tally:        votes,
		Votes:        make(map[string]string, len(positions)),
		Reasoning:    make(map[string]string, len(positions)),
		Participants: participants,
	}
	for _, p := range positions {
		d.Votes[p.Agent] = p.Decision
		d.Reasoning[p.Agent] = p.Reasoning
	}

	candidates := make([]string, 0, len(votes))
	for decision := range votes {
		candidates = append(candidates, decision)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if votes[a] != votes[b] {
			return votes[a] > votes[b]
		}
		if weight[a] != weight[b] {
			return weight[a] > weight[b]
		}
		return a < b
	})

	winnerVotes := 0
	switch {
	case len(candidates) > 0:
		d.Decision = candidates[0]
		winnerVotes = votes[d.Decision]
	case abstained > 0:
		d.Decision = Abstain
		winnerVotes = abstained
	}
	d.WinnerVotes = winnerVotes

	if participants > 0 {
		d.Confidence = float64(winnerVotes) / float64(participants)
	}
	d.ConsensusReached = d.Decision != Abstain && participants > 0 && d.Confidence >= threshold
	return d
}
