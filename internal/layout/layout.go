// Package layout defines the fixed-width record layout shared by the
// main and extension shared-memory regions. Every offset is expressed
// as a named constant so the byte layout stays a single source of
// truth instead of being scattered across struct tags.
package layout

// Datastore identifies one of the fixed datastore kinds a module's
// per-datastore tables (change subscriptions, data locks) are indexed
// by.
type Datastore uint32

const (
	DatastoreRunning Datastore = iota
	DatastoreCandidate
	DatastoreStartup
	DatastoreOperational
	DatastoreCount // sentinel, not a real datastore
)

// LockKind enumerates the held-lock descriptor kinds.
type LockKind uint32

const (
	LockNone LockKind = iota
	LockRead
	LockWrite
)

// ---------------------------------------------------------------------------
// Main-region header.
// ---------------------------------------------------------------------------

const (
	HeaderMainLockReaders    = 0  // uint32, atomic reader count
	HeaderMainLockWriterPID  = 4  // uint32, 0 = free, else holder pid
	HeaderRemapGuardReaders  = 8  // uint32, atomic reader count
	HeaderRemapGuardWriter   = 12 // uint32, 0/1 CAS flag
	HeaderSchemaMutex        = 16 // uint32, 0/1 CAS flag
	headerReserved0          = 20 // pad to 8-byte alignment
	HeaderNextSessionID      = 24 // uint64, monotonic
	HeaderNextEvPipeID       = 32 // uint64, monotonic
	HeaderConnTableOffset    = 40 // uint32, arena offset (0 = absent)
	HeaderConnTableCount     = 44 // uint32
	HeaderRPCTableOffset     = 48 // uint32, arena offset (0 = absent)
	HeaderRPCTableCount      = 52 // uint32
	headerReserved1          = 56 // pad, keeps the module array 8-byte aligned
	HeaderModuleCount        = 60 // uint32, number of live module records

	HeaderSize = 64
)

// ---------------------------------------------------------------------------
// Module record: fixed-width, dense array immediately following the
// header.
// ---------------------------------------------------------------------------

const (
	ModNameOffset      = 0  // uint32, arena offset to NUL-terminated name
	ModRevision        = 4  // [ModRevisionSize]byte, inline NUL-terminated
	ModFlags           = 20 // uint8 bitset (bit0 = replay support)
	modReserved0       = 21 // pad [3]byte
	ModVersion         = 24 // uint32, bumped on any metadata change
	ModFeatOffset      = 28 // uint32
	ModFeatCount       = 32 // uint32
	ModDataDepOffset   = 36 // uint32
	ModDataDepCount    = 40 // uint32
	ModInvDepOffset    = 44 // uint32
	ModInvDepCount     = 48 // uint32
	ModOpDepOffset     = 52 // uint32
	ModOpDepCount      = 56 // uint32
	ModChangeSubBase   = 60 // DatastoreCount * (offset uint32 + count uint32)
	ModOperSubOffset   = ModChangeSubBase + int(DatastoreCount)*8
	ModOperSubCount    = ModOperSubOffset + 4
	ModNotifSubOffset  = ModOperSubCount + 4
	ModNotifSubCount   = ModNotifSubOffset + 4
	ModDataLockBase    = ModNotifSubCount + 4 // DatastoreCount * uint32 CAS locks
	ModReplayLock      = ModDataLockBase + int(DatastoreCount)*4

	ModRevisionSize = 16

	ModuleRecordSize = 128
)

// ChangeSubOffsetField returns the byte offset, within a module record,
// of the change-subscription table's offset field for ds.
func ChangeSubOffsetField(ds Datastore) int { return ModChangeSubBase + int(ds)*8 }

// ChangeSubCountField returns the byte offset of the matching count field.
func ChangeSubCountField(ds Datastore) int { return ModChangeSubBase + int(ds)*8 + 4 }

// DataLockField returns the byte offset of the per-datastore data lock.
func DataLockField(ds Datastore) int { return ModDataLockBase + int(ds)*4 }

// ---------------------------------------------------------------------------
// Connection-state record, arena-resident.
// ---------------------------------------------------------------------------

const (
	ConnHandle     = 0  // uint64
	ConnPID        = 8  // uint32
	ConnLockKind   = 12 // uint32 (layout.LockKind)
	ConnReadDepth  = 16 // uint32
	ConnEvOffset   = 20 // uint32, arena offset of []uint64 event-pipe ids
	ConnEvCount    = 24 // uint32
	connReserved0  = 28

	ConnRecordSize = 32
)

// ---------------------------------------------------------------------------
// Variable-length arena record shapes. These are not fixed-offset
// within the main region; they live at arena offsets referenced by the
// module/connection records above.
// ---------------------------------------------------------------------------

const (
	// DataDepRecordSize: {TypeTag uint32, ModuleOffset uint32, XpathOffset uint32}
	DataDepRecordSize = 12
	DataDepTypeREF     = 0
	DataDepTypeINSTID  = 1

	// InverseDepRecordSize: {ModuleOffset uint32}
	InverseDepRecordSize = 4

	// OpDepRecordSize: {XpathOffset, InDepOffset, InDepCount, OutDepOffset, OutDepCount}
	OpDepRecordSize = 20

	// ChangeSubRecordSize: {XpathOffset uint32, Priority uint32, Options uint32, EvPipeID uint64}
	ChangeSubRecordSize = 24

	// OperSubRecordSize: {XpathOffset uint32, _pad uint32, EvPipeID uint64}
	OperSubRecordSize = 16

	// NotifSubRecordSize: {EvPipeID uint64}
	NotifSubRecordSize = 8

	// RPCRecordSize: {OpPathOffset uint32, SubOffset uint32, SubCount uint32}
	RPCRecordSize = 12

	// RPCSubRecordSize: {EvPipeID uint64}
	RPCSubRecordSize = 8

	// FeatureRecordSize: one arena-string offset per feature name.
	FeatureRecordSize = 4
)
