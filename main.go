package main

import (
	"context"
	"fmt"
	"log"

	"github.com/BTreeMap/CareCircle/internal/genai"
	"github.com/BTreeMap/CareCircle/internal/models"
	"github.com/BTreeMap/CareCircle/internal/pipeline"
	"github.com/BTreeMap/CareCircle/internal/store"
)

// Offline demonstration of one conversation round with stub collaborators.
// The real service entrypoint lives in cmd/CareCircle.

type demoGenerator struct{}

func (demoGenerator) GenerateTurn(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
	switch req.Slot.Kind {
	case models.SpeakerKindModerator:
		if len(req.History) == 0 {
			return genai.GenerateResult{Text: "Welcome everyone. Margaret, it is lovely to have you with us today."}, nil
		}
		return genai.GenerateResult{Text: "Margaret, what do you remember about that? You were there too, weren't you?", ReturnToUserHint: true}, nil
	default:
		return genai.GenerateResult{Text: fmt.Sprintf("%s shares a memory from the old neighbourhood.", req.Slot.DisplayName)}, nil
	}
}

type demoSynthesizer struct{}

func (demoSynthesizer) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return []byte(voiceID + ":" + text), nil
}

type demoStreamFactory struct{ created int }

func (f *demoStreamFactory) CreateSession(ctx context.Context, avatarAssetID string) (string, error) {
	f.created++
	return fmt.Sprintf("demo_stream_%d", f.created), nil
}

func (f *demoStreamFactory) CloseSession(ctx context.Context, sessionToken string) error {
	return nil
}

func main() {
	ctx := context.Background()

	roster := []models.SpeakerSlot{
		{Index: 0, Kind: models.SpeakerKindModerator, DisplayName: "Grace", VoiceID: "Joanna"},
		{Index: 1, Kind: models.SpeakerKindUser, DisplayName: "Margaret"},
		{Index: 2, Kind: models.SpeakerKindAgent, DisplayName: "Robert Hayes", VoiceID: "Matthew", AvatarAssetID: "asset_robert"},
		{Index: 3, Kind: models.SpeakerKindAgent, DisplayName: "Eleanor Price", VoiceID: "Kimberly", AvatarAssetID: "asset_eleanor"},
	}

	pipe := pipeline.NewPipeline(demoGenerator{}, demoSynthesizer{}, store.NewInMemoryStore())
	mgr := pipeline.NewManager(pipe, &demoStreamFactory{})

	session, err := mgr.CreateSession(ctx, roster)
	if err != nil {
		log.Fatalf("Failed to create demo session: %v", err)
	}

	if _, err := pipe.RunUntilUserTurn(ctx, session); err != nil {
		log.Fatalf("Demo round failed: %v", err)
	}
	if _, err := pipe.SubmitUserTurn(ctx, session, "I remember the bakery on the corner. We went every Sunday."); err != nil {
		log.Fatalf("Demo user turn failed: %v", err)
	}
	if _, err := pipe.RunUntilUserTurn(ctx, session); err != nil {
		log.Fatalf("Demo round failed: %v", err)
	}

	fmt.Println("Transcript:")
	for _, turn := range session.Turns() {
		fmt.Printf("%2d %-14s %s\n", turn.SequenceNumber, roster[turn.SpeakerIndex].DisplayName, turn.Content)
	}

	if err := mgr.EndSession(ctx, session.ID); err != nil {
		log.Fatalf("Failed to end demo session: %v", err)
	}
}
