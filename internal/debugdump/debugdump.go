// Package debugdump is the tracing utility behind debug-level arena
// dumps: enumerate every live arena span, sort them by start offset,
// flag overlaps (a corruption signal) and gaps (wasted bytes not yet
// reclaimed by compaction), and report the result. Tests also use the
// span enumeration as a correctness oracle for the no-overlap and
// byte-accounting invariants.
package debugdump

import (
	"encoding/binary"
	"sort"

	"go.uber.org/zap"

	"github.com/dineshreddyk/sysrepo-go/internal/arena"
	"github.com/dineshreddyk/sysrepo-go/internal/conntab"
	"github.com/dineshreddyk/sysrepo-go/internal/layout"
	"github.com/dineshreddyk/sysrepo-go/internal/registry"
)

// Span is one live arena-resident entry.
type Span struct {
	Label  string
	Offset uint32
	Length uint32
}

func (s Span) end() uint32 { return s.Offset + s.Length }

// Report is the outcome of a dump: the sorted live spans, any gaps
// between them (candidate wasted bytes), and any overlaps found (a
// structural-corruption signal that should never occur).
type Report struct {
	Spans    []Span
	Gaps     []Span
	Overlaps []Span
}

func tableSpan(label string, offset, count, recordSize uint32) Span {
	if offset == 0 || count == 0 {
		return Span{}
	}
	return Span{Label: label, Offset: offset, Length: count * recordSize}
}

func appendIfLive(spans []Span, s Span) []Span {
	if s.Length == 0 {
		return spans
	}
	return append(spans, s)
}

// collector walks raw arena tables so every entry a stored offset can
// reach is reported, including the strings the table records point at.
// nameOffs holds every module record's name offset; dependency records
// reference registered modules through those same offsets, and a span
// must be reported once, not once per referrer.
type collector struct {
	arena    *arena.Arena
	nameOffs map[uint32]struct{}
	spans    []Span
}

func (c *collector) str(label string, offset uint32) error {
	if offset == 0 {
		return nil
	}
	n, err := c.arena.StrlenAt(offset)
	if err != nil {
		return err
	}
	c.spans = append(c.spans, Span{Label: label, Offset: offset, Length: n})
	return nil
}

func (c *collector) table(label string, offset, count, recordSize uint32) {
	c.spans = appendIfLive(c.spans, tableSpan(label, offset, count, recordSize))
}

// stringList reports the offset table at offset plus each string it
// references.
func (c *collector) stringList(label string, offset, count uint32) error {
	if offset == 0 || count == 0 {
		return nil
	}
	c.table(label, offset, count, layout.FeatureRecordSize)
	raw, err := c.arena.ReadBytes(offset, count*layout.FeatureRecordSize)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if err := c.str(label+"/str", binary.LittleEndian.Uint32(raw[i*4:])); err != nil {
			return err
		}
	}
	return nil
}

func (c *collector) dataDeps(label string, offset, count uint32) error {
	if offset == 0 || count == 0 {
		return nil
	}
	c.table(label, offset, count, layout.DataDepRecordSize)
	raw, err := c.arena.ReadBytes(offset, count*layout.DataDepRecordSize)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		rec := raw[i*layout.DataDepRecordSize:]
		modOff := binary.LittleEndian.Uint32(rec[4:])
		if _, shared := c.nameOffs[modOff]; !shared {
			if err := c.str(label+"/module", modOff); err != nil {
				return err
			}
		}
		if err := c.str(label+"/xpath", binary.LittleEndian.Uint32(rec[8:])); err != nil {
			return err
		}
	}
	return nil
}

func (c *collector) opDeps(label string, offset, count uint32) error {
	if offset == 0 || count == 0 {
		return nil
	}
	c.table(label, offset, count, layout.OpDepRecordSize)
	raw, err := c.arena.ReadBytes(offset, count*layout.OpDepRecordSize)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		rec := raw[i*layout.OpDepRecordSize:]
		if err := c.str(label+"/xpath", binary.LittleEndian.Uint32(rec[0:])); err != nil {
			return err
		}
		if err := c.stringList(label+"/in", binary.LittleEndian.Uint32(rec[4:]), binary.LittleEndian.Uint32(rec[8:])); err != nil {
			return err
		}
		if err := c.stringList(label+"/out", binary.LittleEndian.Uint32(rec[12:]), binary.LittleEndian.Uint32(rec[16:])); err != nil {
			return err
		}
	}
	return nil
}

func (c *collector) xpathSubs(label string, offset, count, recordSize uint32) error {
	if offset == 0 || count == 0 {
		return nil
	}
	c.table(label, offset, count, recordSize)
	raw, err := c.arena.ReadBytes(offset, count*recordSize)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		if err := c.str(label+"/xpath", binary.LittleEndian.Uint32(raw[i*recordSize:])); err != nil {
			return err
		}
	}
	return nil
}

// Collect walks the registry, its subscription tables, and the
// connection table, recording every live arena span.
func Collect(reg *registry.Registry, subs *conntab.Subs, conns *conntab.Table) ([]Span, error) {
	c := &collector{arena: reg.Arena(), nameOffs: make(map[uint32]struct{})}
	count := reg.ModuleCount()

	for i := uint32(0); i < count; i++ {
		rec, err := reg.RecordAt(i)
		if err != nil {
			return nil, err
		}
		c.nameOffs[leU32(rec, layout.ModNameOffset)] = struct{}{}
	}

	for i := uint32(0); i < count; i++ {
		m, err := reg.ModuleAt(i)
		if err != nil {
			return nil, err
		}
		rec, err := reg.RecordAt(i)
		if err != nil {
			return nil, err
		}
		if err := c.str("module-name:"+m.Name, leU32(rec, layout.ModNameOffset)); err != nil {
			return nil, err
		}
		if err := c.stringList("features:"+m.Name, leU32(rec, layout.ModFeatOffset), leU32(rec, layout.ModFeatCount)); err != nil {
			return nil, err
		}
		if err := c.dataDeps("data-deps:"+m.Name, leU32(rec, layout.ModDataDepOffset), leU32(rec, layout.ModDataDepCount)); err != nil {
			return nil, err
		}
		if err := c.stringList("inverse-deps:"+m.Name, leU32(rec, layout.ModInvDepOffset), leU32(rec, layout.ModInvDepCount)); err != nil {
			return nil, err
		}
		if err := c.opDeps("op-deps:"+m.Name, leU32(rec, layout.ModOpDepOffset), leU32(rec, layout.ModOpDepCount)); err != nil {
			return nil, err
		}

		for ds := layout.Datastore(0); ds < layout.DatastoreCount; ds++ {
			off := leU32(rec, layout.ChangeSubOffsetField(ds))
			cnt := leU32(rec, layout.ChangeSubCountField(ds))
			if err := c.xpathSubs("change-subs:"+m.Name, off, cnt, layout.ChangeSubRecordSize); err != nil {
				return nil, err
			}
		}
		if err := c.xpathSubs("oper-subs:"+m.Name, leU32(rec, layout.ModOperSubOffset), leU32(rec, layout.ModOperSubCount), layout.OperSubRecordSize); err != nil {
			return nil, err
		}
		c.table("notif-subs:"+m.Name, leU32(rec, layout.ModNotifSubOffset), leU32(rec, layout.ModNotifSubCount), layout.NotifSubRecordSize)
	}

	connList, err := conns.List()
	if err != nil {
		return nil, err
	}
	connOff, connCount := conns.Header()
	c.table("conn-table", connOff, connCount, layout.ConnRecordSize)
	for _, conn := range connList {
		c.table("evpipes:conn", conn.EvPipesOffset, uint32(len(conn.EvPipes)), 8)
	}

	rpcs, err := reg.ListRPCs()
	if err != nil {
		return nil, err
	}
	rpcOff, rpcCount := reg.RPCTableHeader()
	c.table("rpc-table", rpcOff, rpcCount, layout.RPCRecordSize)
	for _, rpc := range rpcs {
		if err := c.str("rpc-path:"+rpc.OpPath, rpc.OpPathOffset); err != nil {
			return nil, err
		}
		c.table("rpc-subs:"+rpc.OpPath, rpc.SubsOffset, uint32(len(rpc.Subs)), layout.RPCSubRecordSize)
	}

	return c.spans, nil
}

// Run collects live spans, sorts them, and classifies gaps/overlaps.
func Run(reg *registry.Registry, subs *conntab.Subs, conns *conntab.Table) (Report, error) {
	spans, err := Collect(reg, subs, conns)
	if err != nil {
		return Report{}, err
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Offset < spans[j].Offset })

	var gaps, overlaps []Span
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		switch {
		case cur.Offset < prev.end():
			overlaps = append(overlaps, cur)
		case cur.Offset > prev.end():
			gaps = append(gaps, Span{Label: "gap", Offset: prev.end(), Length: cur.Offset - prev.end()})
		}
	}
	return Report{Spans: spans, Gaps: gaps, Overlaps: overlaps}, nil
}

// Log writes a structured summary of rep via logger, the zap logger
// that internal/engine builds and holds.
func Log(logger *zap.Logger, rep Report) {
	logger.Info("arena dump",
		zap.Int("live_spans", len(rep.Spans)),
		zap.Int("gaps", len(rep.Gaps)),
		zap.Int("overlaps", len(rep.Overlaps)),
	)
	for _, g := range rep.Gaps {
		logger.Debug("arena gap", zap.Uint32("offset", g.Offset), zap.Uint32("length", g.Length))
	}
	for _, o := range rep.Overlaps {
		logger.Warn("arena overlap detected", zap.String("label", o.Label), zap.Uint32("offset", o.Offset))
	}
}

func leU32(rec []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(rec[off:])
}
