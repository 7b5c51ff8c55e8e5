package internal

// Conn is the transport side of a live connection.
type Conn interface {
	ID() string
	Open() bool
	Send(msg Message) error
}

// Peer is the relay's record of one connection. The reassembler is only ever
// touched by the goroutine reading from that connection; role is guarded by
// the registry that owns the peer.
type Peer struct {
	Conn

	role      Role
	assembler Reassembler
}

func NewPeer(conn Conn, limits AssemblyLimits) *Peer {
	return &Peer{
		Conn:      conn,
		assembler: Reassembler{limits: limits},
	}
}
