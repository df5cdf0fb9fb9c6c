package streams

// Stream describes one append-only event source and how its rows are keyed in
// storage. Streams are defined statically below and immutable during a run.
type Stream struct {
	// Name is the storage table identifier, already lowercase.
	Name string
	// PrimaryKey is the ordered set of columns forming the composite primary
	// key. Every batch for the stream must carry all of them, non-null.
	PrimaryKey []string
	// Endpoint selects which source instance to query.
	Endpoint string
	// Signature is the event signature passed to the source query.
	Signature string
}

// HasPrimaryKeyColumn reports whether col is one of the stream's declared
// primary-key columns. Comparison is case-insensitive; declared keys are
// already normalized.
func (s Stream) HasPrimaryKeyColumn(col string) bool {
	for _, pk := range s.PrimaryKey {
		if pk == col {
			return true
		}
	}
	return false
}

const (
	MevCommitEndpoint = "https://mev-commit.hypersync.xyz"
	HoleskyEndpoint   = "https://holesky.hypersync.xyz"
)

// MevCommit is the static registry of ingested streams. Most streams key on
// (block_number, hash); validator stakes key on the validator's BLS public key
// because a validator may stake at most once per block.
var MevCommit = []Stream{
	{
		Name:       "unopenedcommitmentstored",
		PrimaryKey: []string{"block_number", "hash"},
		Endpoint:   MevCommitEndpoint,
		Signature:  "UnopenedCommitmentStored(bytes32,address,bytes32,uint64,bytes)",
	},
	{
		Name:       "openedcommitmentstored",
		PrimaryKey: []string{"block_number", "hash"},
		Endpoint:   MevCommitEndpoint,
		Signature:  "OpenedCommitmentStored(bytes32,address,address,uint256,uint64,string,uint64,uint64,uint64,bytes32,bytes,bytes,uint64)",
	},
	{
		Name:       "openedcommitmentstoredv2",
		PrimaryKey: []string{"block_number", "hash"},
		Endpoint:   MevCommitEndpoint,
		Signature:  "OpenedCommitmentStored(bytes32,address,address,uint256,uint64,string,string,uint64,uint64,uint64,bytes32,bytes,bytes,uint64)",
	},
	{
		Name:       "commitmentprocessed",
		PrimaryKey: []string{"block_number", "hash"},
		Endpoint:   MevCommitEndpoint,
		Signature:  "CommitmentProcessed(bytes32,bool)",
	},
	{
		Name:       "staked",
		PrimaryKey: []string{"block_number", "validator_public_key"},
		Endpoint:   MevCommitEndpoint,
		Signature:  "Staked(address,address,bytes,uint256)",
	},
	{
		Name:       "l1transactions",
		PrimaryKey: []string{"block_number", "hash"},
		Endpoint:   HoleskyEndpoint,
		Signature:  "",
	},
}
