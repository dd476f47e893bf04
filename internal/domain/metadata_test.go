package domain

import (
	"testing"
)

func TestMetadata_NamespacesCoexist(t *testing.T) {
	var meta Metadata
	tp := 12.0
	if err := meta.SetTPSL(TPSLMetadata{TakeProfitPercent: &tp}); err != nil {
		t.Fatalf("SetTPSL returned error: %v", err)
	}
	if err := meta.Set(MetadataKeyRecommendation, RecommendationMetadata{
		SchemaVersion: 1,
		ExpertID:      "expert-9",
		UseCase:       "OPEN_POSITIONS",
	}); err != nil {
		t.Fatalf("Set recommendation namespace returned error: %v", err)
	}

	tpsl, err := meta.TPSL()
	if err != nil {
		t.Fatalf("TPSL returned error: %v", err)
	}
	if tpsl == nil || tpsl.TakeProfitPercent == nil || *tpsl.TakeProfitPercent != 12.0 {
		t.Fatalf("tp_sl namespace corrupted: %+v", tpsl)
	}
	if tpsl.SchemaVersion != TPSLSchemaVersion {
		t.Errorf("expected schema version %d, got %d", TPSLSchemaVersion, tpsl.SchemaVersion)
	}

	var rec RecommendationMetadata
	ok, err := meta.Get(MetadataKeyRecommendation, &rec)
	if err != nil || !ok {
		t.Fatalf("recommendation namespace lost: ok=%v err=%v", ok, err)
	}
	if rec.ExpertID != "expert-9" {
		t.Errorf("expected expert-9, got %s", rec.ExpertID)
	}
}

func TestMetadata_EncodeDecodeRoundTrip(t *testing.T) {
	var meta Metadata
	sl := 5.5
	if err := meta.SetTPSL(TPSLMetadata{StopLossPercent: &sl, RecalculatedAtTrigger: true}); err != nil {
		t.Fatalf("SetTPSL returned error: %v", err)
	}

	raw, err := meta.Encode()
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	decoded, err := DecodeMetadata(raw)
	if err != nil {
		t.Fatalf("DecodeMetadata returned error: %v", err)
	}
	tpsl, err := decoded.TPSL()
	if err != nil {
		t.Fatalf("TPSL after decode returned error: %v", err)
	}
	if tpsl == nil || tpsl.StopLossPercent == nil || *tpsl.StopLossPercent != 5.5 {
		t.Fatalf("sl_percent lost in round trip: %+v", tpsl)
	}
	if !tpsl.RecalculatedAtTrigger {
		t.Errorf("recalculated_at_trigger lost in round trip")
	}
}

func TestDecodeMetadata_Empty(t *testing.T) {
	meta, err := DecodeMetadata(nil)
	if err != nil {
		t.Fatalf("DecodeMetadata(nil) returned error: %v", err)
	}
	if got, err := meta.TPSL(); err != nil || got != nil {
		t.Fatalf("empty metadata should have no tp_sl record, got %+v err=%v", got, err)
	}
}
