package governance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Tier int

const (
	TierRoutine           Tier = 1
	TierFeature           Tier = 2
	TierConsensusAdjacent Tier = 3
	TierEmergency         Tier = 4
	TierGovernance        Tier = 5
)

func (t Tier) Valid() bool {
	return t >= TierRoutine && t <= TierGovernance
}

func (t Tier) Name() string {
	switch t {
	case TierRoutine:
		return "Routine"
	case TierFeature:
		return "Feature"
	case TierConsensusAdjacent:
		return "Consensus-Adjacent"
	case TierEmergency:
		return "Emergency"
	case TierGovernance:
		return "Governance"
	default:
		return "Unknown"
	}
}

func ParseTier(raw string) (Tier, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || !Tier(n).Valid() {
		return 0, fmt.Errorf("tier must be an integer in 1..5, got %q", raw)
	}
	return Tier(n), nil
}

// PullRequestInfo is the classifier input.
type PullRequestInfo struct {
	Title        string
	Body         string
	ChangedPaths []string
}

type ClassifierConfig struct {
	GovernancePaths []string
	ConsensusGlobs  []string
	CodeDirs        []string
}

func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		GovernancePaths: []string{"governance/", ".github/governance/"},
		ConsensusGlobs:  []string{"**/consensus/**", "**/validation/**", "src/script/**"},
		CodeDirs:        []string{"src/", "lib/", "cmd/", "internal/", "pkg/", "crates/", "bin/"},
	}
}

// Hyphenated compounds such as non-critical do not count.
var emergencyWords = regexp.MustCompile(`(?i)(?:^|[^\w-])(emergency|critical|urgent)(?:$|[^\w-])`)

// Classifier maps PR metadata to a tier. It holds only compiled
// configuration and is safe for concurrent use.
type Classifier struct {
	governancePaths []string
	consensusGlobs  []*regexp.Regexp
	codeDirs        []string
}

func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	c := &Classifier{
		governancePaths: normalizeDirs(cfg.GovernancePaths),
		codeDirs:        normalizeDirs(cfg.CodeDirs),
	}
	for _, g := range cfg.ConsensusGlobs {
		re, err := compileGlob(strings.TrimSpace(g))
		if err != nil {
			return nil, fmt.Errorf("consensus glob %q: %w", g, err)
		}
		c.consensusGlobs = append(c.consensusGlobs, re)
	}
	return c, nil
}

// Classify evaluates the rules top-down; the first match wins.
func (c *Classifier) Classify(pr PullRequestInfo) Tier {
	text := pr.Title + "\n" + pr.Body
	upper := strings.ToUpper(text)
	paths := make([]string, 0, len(pr.ChangedPaths))
	for _, p := range pr.ChangedPaths {
		paths = append(paths, strings.TrimPrefix(strings.TrimSpace(p), "./"))
	}

	if strings.Contains(upper, "[GOVERNANCE]") || anyUnder(paths, c.governancePaths) {
		return TierGovernance
	}
	if emergencyWords.MatchString(text) {
		return TierEmergency
	}
	if strings.Contains(upper, "[CONSENSUS-ADJACENT]") || c.anyConsensus(paths) {
		return TierConsensusAdjacent
	}
	if strings.Contains(upper, "[FEATURE]") || anyUnder(paths, c.codeDirs) {
		return TierFeature
	}
	return TierRoutine
}

func (c *Classifier) anyConsensus(paths []string) bool {
	for _, p := range paths {
		for _, re := range c.consensusGlobs {
			if re.MatchString(p) {
				return true
			}
		}
	}
	return false
}

func anyUnder(paths, dirs []string) bool {
	for _, p := range paths {
		for _, d := range dirs {
			if strings.HasPrefix(p, d) {
				return true
			}
		}
	}
	return false
}

func normalizeDirs(dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = strings.TrimPrefix(strings.TrimSpace(d), "./")
		if d == "" {
			continue
		}
		if !strings.HasSuffix(d, "/") {
			d += "/"
		}
		out = append(out, d)
	}
	return out
}

// compileGlob supports `*` and `?` within a path segment and `**` across
// segments.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case ch == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			i++
			if i+1 < len(pattern) && pattern[i+1] == '/' {
				i++
				b.WriteString("(?:.*/)?")
			} else {
				b.WriteString(".*")
			}
		case ch == '*':
			b.WriteString("[^/]*")
		case ch == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
