package internal

import (
	"fmt"
	"net"
	"regexp"

	"github.com/sirupsen/logrus"
)

// ContaminationFinding records out-of-topology activity in one instance's
// evidence. Any finding marks the whole run invalid: the measurement was
// taken in a polluted environment, independent of how individual scenarios
// evaluated.
type ContaminationFinding struct {
	Instance string `yaml:"instance"`
	Offender string `yaml:"offender"`
	Rule     string `yaml:"rule"`
}

func (f ContaminationFinding) String() string {
	return fmt.Sprintf("%s: %s (%s)", f.Instance, f.Offender, f.Rule)
}

var (
	// connTargetPattern matches connection-target addresses in node output,
	// both dial attempts and established connections.
	connTargetPattern = regexp.MustCompile(`(?:dial|connected peer=\S+) addr=([0-9]{1,3}(?:\.[0-9]{1,3}){3})(?::[0-9]+)?`)

	// peerIDPattern matches peer identifiers in connection announcements.
	peerIDPattern = regexp.MustCompile(`connected peer=([A-Za-z0-9]+)`)
)

// IsolationValidator inspects log evidence for traffic that did not
// originate from the declared topology. It is the gating check: metric-based
// scenario results are only trusted when it finds nothing.
type IsolationValidator struct {
	topology *Topology
	blocks   []*net.IPNet
	logger   *logrus.Entry
}

// NewIsolationValidator creates a validator for the declared topology.
func NewIsolationValidator(topology *Topology, logger *logrus.Entry) (*IsolationValidator, error) {
	blocks, err := parseBlocks(topology.Segments)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.WithField("component", "isolation")
	}
	return &IsolationValidator{topology: topology, blocks: blocks, logger: logger}, nil
}

// Validate checks one instance's evidence. Two classes of findings:
//
//   - any connection-target address outside every declared segment block;
//   - for root instances, any successful connection to a peer identifier
//     that no topology instance resolved to (a root needs no external
//     connectivity, so an unknown peer means a leaked seed list).
func (v *IsolationValidator) Validate(evidence *LogEvidence, identifiers map[string]string) []ContaminationFinding {
	var findings []ContaminationFinding

	inst := v.topology.InstanceByName(evidence.Instance)
	for _, line := range evidence.Lines {
		for _, m := range connTargetPattern.FindAllStringSubmatch(line.Text, -1) {
			ip := net.ParseIP(m[1])
			if ip == nil {
				continue
			}
			if !addressWithinBlocks(ip, v.blocks) {
				findings = append(findings, ContaminationFinding{
					Instance: evidence.Instance,
					Offender: m[1],
					Rule:     "address outside declared segments",
				})
			}
		}

		if inst != nil && inst.Root {
			if m := peerIDPattern.FindStringSubmatch(line.Text); m != nil {
				if !identifierInTopology(m[1], identifiers) {
					findings = append(findings, ContaminationFinding{
						Instance: evidence.Instance,
						Offender: m[1],
						Rule:     "root connected to peer outside topology",
					})
				}
			}
		}
	}

	if len(findings) > 0 {
		v.logger.WithFields(logrus.Fields{
			"instance": evidence.Instance,
			"findings": len(findings),
		}).Warn("⚠️  Contamination detected")
	}
	return findings
}

func identifierInTopology(id string, identifiers map[string]string) bool {
	for _, known := range identifiers {
		if known == id {
			return true
		}
	}
	return false
}
