// Package alert defines the events the engine routes to its host instead
// of writing logs directly (spec §7): "Logging destination is an external
// concern; the core emits structured events as alerts."
package alert

// TorrentID identifies a torrent registered with the engine.
type TorrentID = string

// Stats is a point-in-time snapshot of a torrent's progress, emitted once
// per second per spec §7's cadence.
type Stats struct {
	Downloaded     int64
	Uploaded       int64
	PiecesComplete int
	PiecesTotal    int
	DownloadRate   int64 // bytes/second
	UploadRate     int64 // bytes/second
	NumPeers       int
}

// Kind discriminates the Alert variants (spec §7: TorrentStats,
// TorrentComplete, PieceCompleted, Peers).
type Kind int

const (
	KindTorrentStats Kind = iota
	KindTorrentComplete
	KindPieceCompleted
	KindPeers
)

// Alert is a single event posted to the host's alert channel. Only the
// field(s) matching Kind are populated.
type Alert struct {
	Kind    Kind
	Torrent TorrentID

	Stats Stats // KindTorrentStats

	PieceIndex int // KindPieceCompleted

	Peers []string // KindPeers, "host:port" strings
}

func TorrentStats(id TorrentID, s Stats) Alert {
	return Alert{Kind: KindTorrentStats, Torrent: id, Stats: s}
}

func TorrentComplete(id TorrentID) Alert {
	return Alert{Kind: KindTorrentComplete, Torrent: id}
}

func PieceCompleted(id TorrentID, index int) Alert {
	return Alert{Kind: KindPieceCompleted, Torrent: id, PieceIndex: index}
}

func Peers(id TorrentID, peers []string) Alert {
	return Alert{Kind: KindPeers, Torrent: id, Peers: peers}
}
