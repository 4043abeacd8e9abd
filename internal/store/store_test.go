package store

import (
	"errors"
	"testing"
)

// fakeResult 模擬 driver 回報的 sql.Result。
type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

// TestCheckAffected 終態更新的守衛判定：
// 無更新代表任務已離開 processing，必須回報 ErrConflict 而非靜默成功。
func TestCheckAffected(t *testing.T) {
	driverErr := errors.New("driver does not support RowsAffected")

	tests := []struct {
		name    string
		res     fakeResult
		wantErr error
	}{
		{name: "one row updated", res: fakeResult{rows: 1}},
		{name: "guard rejected the update", res: fakeResult{rows: 0}, wantErr: ErrConflict},
		{name: "driver error propagated", res: fakeResult{err: driverErr}, wantErr: driverErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkAffected(tt.res)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("checkAffected = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("checkAffected = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
