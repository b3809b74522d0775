package ledger

import (
	"bufio"
	"fmt"
	"io"
)

// Dump 以可读形式输出全部槽，仅用于诊断。
func (l *Ledger) Dump(w io.Writer) error {
	slots := l.Slots()
	head := l.Head()

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ledger height=%d head_counter=%d head_hash=%s\n", len(slots), head.Counter, head.Hash.Hex())
	for _, slot := range slots {
		fmt.Fprintf(bw, "slot %d\n", slot.Number)
		fmt.Fprintf(bw, "  open   %s @%d\n", slot.OpenHash.Hex(), slot.OpenCounter())
		fmt.Fprintf(bw, "  close  %s @%d\n", slot.CloseHash.Hex(), slot.CloseCounter)
		if len(slot.Transactions) == 0 {
			fmt.Fprintln(bw, "  (no transactions)")
			continue
		}
		for i, tx := range slot.Transactions {
			fmt.Fprintf(bw, "  tx[%d] %s -> %s amount=%d anchor=%s id=%s\n",
				i, tx.From, tx.To, tx.Amount, tx.AnchorHash.Hex(), tx.ID().Hex())
		}
	}
	return bw.Flush()
}
