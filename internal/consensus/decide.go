package consensus

// Decision rules. Each algorithm is a pure function over the current vote
// set; arrival order only matters where the rule says so.

func (p *proposal) tally() (counts map[string]int, weightTotals map[string]float64) {
	counts = make(map[string]int)
	weightTotals = make(map[string]float64)
	for _, v := range p.votes {
		counts[v.option]++
		weightTotals[v.option] += p.weights[v.agentID]
	}
	return counts, weightTotals
}

func (p *proposal) byzantineThreshold() int {
	if p.algorithm != AlgorithmByzantine {
		return 0
	}
	f := (len(p.population) - 1) / 3
	return 2*f + 1
}

// evaluate applies the proposal's decision rule to the current vote set and
// reports whether an option has won.
func (p *proposal) evaluate() (string, bool) {
	switch p.algorithm {
	case AlgorithmMajority:
		return p.evaluateMajority()
	case AlgorithmUnanimous:
		return p.evaluateUnanimous()
	case AlgorithmWeighted:
		return p.evaluateWeighted()
	case AlgorithmByzantine:
		return p.evaluateByzantine()
	case AlgorithmRaft:
		return p.evaluateRaft()
	default:
		return "", false
	}
}

// evaluateMajority decides the option holding strictly more than half of the
// quorum population's votes. Ties are never decided here; the deadline
// resolves them as timed-out.
func (p *proposal) evaluateMajority() (string, bool) {
	counts, _ := p.tally()
	for option, n := range counts {
		if 2*n > p.quorum {
			return option, true
		}
	}
	return "", false
}

// evaluateUnanimous decides once every quorum participant has voted for the
// same option. Dissent is not terminal while open: a re-vote may repair it
// before the deadline.
func (p *proposal) evaluateUnanimous() (string, bool) {
	if len(p.votes) < p.quorum {
		return "", false
	}
	var option string
	for _, v := range p.votes {
		if option == "" {
			option = v.option
			continue
		}
		if v.option != option {
			return "", false
		}
	}
	return option, option != ""
}

// evaluateWeighted decides once the cast weight reaches the quorum weight:
// the option with the highest summed weight wins, exact ties going to the
// option of the earliest-received current vote.
func (p *proposal) evaluateWeighted() (string, bool) {
	cast := 0.0
	for _, v := range p.votes {
		cast += p.weights[v.agentID]
	}
	if cast < p.quorumWeight {
		return "", false
	}

	_, weightTotals := p.tally()
	earliest := make(map[string]int)
	for _, v := range p.votes {
		if seq, ok := earliest[v.option]; !ok || v.seq < seq {
			earliest[v.option] = v.seq
		}
	}

	var winner string
	best := -1.0
	for option, w := range weightTotals {
		switch {
		case w > best:
			winner, best = option, w
		case w == best && earliest[option] < earliest[winner]:
			winner = option
		}
	}
	return winner, winner != ""
}

// evaluateByzantine decides once an option collects 2f+1 votes out of an
// assumed 3f+1 participants, tolerating up to f conflicting voters.
func (p *proposal) evaluateByzantine() (string, bool) {
	threshold := p.byzantineThreshold()
	counts, _ := p.tally()
	for option, n := range counts {
		if n >= threshold {
			return option, true
		}
	}
	return "", false
}

// evaluateRaft commits the leader's option once a strict majority of the
// live membership has acknowledged it within the current term. Votes for any
// other option are rejections and never count toward commit.
func (p *proposal) evaluateRaft() (string, bool) {
	live := 0
	for _, id := range p.population {
		if _, isDown := p.down[id]; !isDown {
			live++
		}
	}
	if live == 0 {
		return "", false
	}

	acks := 0
	for _, v := range p.votes {
		if v.option == p.leaderOption {
			acks++
		}
	}
	if 2*acks > live {
		return p.leaderOption, true
	}
	return "", false
}
