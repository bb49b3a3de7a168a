package ledger

import (
	"context"
	"fmt"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// MultiSink fans an entry out to several sinks. Mirror succeeds only when
// every sink acknowledged, which is what the pre-execution fail-closed
// contract requires of a composite external log.
type MultiSink []MirrorSink

func (m MultiSink) Mirror(ctx context.Context, e *contracts.AuditEntry) error {
	for i, sink := range m {
		if err := sink.Mirror(ctx, e); err != nil {
			return fmt.Errorf("mirror sink %d: %w", i, err)
		}
	}
	return nil
}
