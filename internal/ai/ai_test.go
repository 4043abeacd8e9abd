package ai

import "testing"

// TestParseExtraction 驗證模型輸出解析與信心分數夾限。
func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name           string
		content        string
		wantErr        bool
		wantConfidence float64
	}{
		{
			name:           "valid draft",
			content:        `{"draft":{"title":"午餐","amount":350,"currency":"TWD"},"confidence":0.8}`,
			wantConfidence: 0.8,
		},
		{
			name:           "confidence above one is clamped",
			content:        `{"draft":{"title":"午餐","amount":350,"currency":"TWD"},"confidence":1.7}`,
			wantConfidence: 1.0,
		},
		{
			name:           "negative confidence is clamped",
			content:        `{"draft":{"title":"午餐","amount":350,"currency":"TWD"},"confidence":-0.2}`,
			wantConfidence: 0.0,
		},
		{
			name:    "prose instead of json",
			content: "這段話提到午餐花了 350 元。",
			wantErr: true,
		},
		{
			name:    "json without expense fields",
			content: `{"draft":{},"confidence":0.9}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExtraction(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Confidence != tt.wantConfidence {
				t.Fatalf("confidence = %v, want %v", got.Confidence, tt.wantConfidence)
			}
			if got.Draft.Amount != 350 {
				t.Fatalf("amount = %v, want 350", got.Draft.Amount)
			}
		})
	}
}
