package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Deploy Pipeline", "deploy-pipeline"},
		{"  DB   Failover!! ", "db-failover"},
		{"release-cadence", "release-cadence"},
		{"v2.1 rollout plan", "v2-1-rollout-plan"},
		{"---", ""},
		{"", ""},
		{"Ünïcode Näme", "ünïcode-näme"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "input %q", tt.in)
	}
}

func TestProposalKindFor(t *testing.T) {
	assert.Equal(t, model.ProposalKindTask, proposalKindFor("action"))
	assert.Equal(t, model.ProposalKindTask, proposalKindFor("Task"))
	assert.Equal(t, model.ProposalKindAtom, proposalKindFor("decision"))
	assert.Equal(t, model.ProposalKindAtom, proposalKindFor("problem"))
	assert.Equal(t, model.ProposalKindAtom, proposalKindFor(""))
}
