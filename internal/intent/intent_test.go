package intent

import (
	"strings"
	"testing"

	"Agora-Substrate/internal/artifact"
	xerrors "Agora-Substrate/internal/errors"
)

func TestValidateRejectsUnknownAction(t *testing.T) {
	in := &Intent{Proposer: "alice", ActionType: "summon_demon"}
	err := in.Validate()
	if err == nil {
		t.Fatal("expected unknown action to fail validation")
	}
	if xerrors.CodeOf(err) != xerrors.CodeSchemaInvalid {
		t.Fatalf("expected SchemaInvalid, got %v", xerrors.CodeOf(err))
	}
}

func TestValidateTable(t *testing.T) {
	cases := []struct {
		name string
		in   Intent
		ok   bool
	}{
		{"noop", Intent{Proposer: "a", ActionType: KindNoop}, true},
		{"missing proposer", Intent{ActionType: KindNoop}, false},
		{"read ok", Intent{Proposer: "a", ActionType: KindRead, ArtifactID: "x"}, true},
		{"read missing target", Intent{Proposer: "a", ActionType: KindRead}, false},
		{"write data ok", Intent{Proposer: "a", ActionType: KindWrite, ArtifactID: "x", Content: "c"}, true},
		{"write exec without body", Intent{Proposer: "a", ActionType: KindWrite, ArtifactID: "x", ArtifactKind: artifact.KindExecutable}, false},
		{"write exec ok", Intent{Proposer: "a", ActionType: KindWrite, ArtifactID: "x", ArtifactKind: artifact.KindExecutable, Body: "1+1", Language: artifact.LanguageCEL}, true},
		{"write exec bad language", Intent{Proposer: "a", ActionType: KindWrite, ArtifactID: "x", ArtifactKind: artifact.KindExecutable, Body: "1+1", Language: "lua"}, false},
		{"invoke ok", Intent{Proposer: "a", ActionType: KindInvoke, ArtifactID: "x", Method: "run"}, true},
		{"invoke missing method", Intent{Proposer: "a", ActionType: KindInvoke, ArtifactID: "x"}, false},
		{"spawn ok", Intent{Proposer: "a", ActionType: KindSpawn, To: "b", Amount: 10}, true},
		{"spawn negative endowment", Intent{Proposer: "a", ActionType: KindSpawn, To: "b", Amount: -1}, false},
		{"transfer ok", Intent{Proposer: "a", ActionType: KindTransfer, To: "b", Amount: 5}, true},
		{"transfer zero", Intent{Proposer: "a", ActionType: KindTransfer, To: "b", Amount: 0}, false},
	}
	for _, tc := range cases {
		err := tc.in.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected validation failure", tc.name)
		}
	}
}

func TestSummaryRedactsContent(t *testing.T) {
	in := &Intent{
		Proposer: "alice", ActionType: KindWrite, ArtifactID: "doc",
		Content: "secret-123",
	}
	summary := in.Summary()
	if strings.Contains(summary, "secret-123") {
		t.Fatalf("summary leaked content: %s", summary)
	}
	if !strings.Contains(summary, "doc") {
		t.Fatalf("summary should name the artifact: %s", summary)
	}
}
