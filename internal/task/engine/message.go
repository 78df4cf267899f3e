package engine

import (
	"mssqltask/internal/dbexec"
)

type Kind string

const (
	KindStart    Kind = "start"
	KindRows     Kind = "rows"
	KindMessages Kind = "messages"
	KindStop     Kind = "stop"
	KindEnd      Kind = "end"
)

// Message is one item of a worker's result stream. Per instance the order is
// start, then any rows/messages, then stop; end is sent once per worker after
// all of its instances stopped.
type Message struct {
	Kind   Kind
	Worker int
	Ord    string

	ServerPID  int
	Count      int
	Rows       []dbexec.Row
	Messages   []dbexec.ServerMessage
	DurationMs int64
	Error      string

	// end: persistence errors of the chunk.
	Errors []string
}

// Assignment binds an instance to its run-scoped ordinal.
type Assignment struct {
	Ord      string
	Instance dbexec.Instance
}

// Job is one chunk of a run.
type Job struct {
	Worker    int
	Instances []Assignment
	Queries   []string

	// Per-chunk output files; empty disables the stream.
	RowsFile     string
	MessagesFile string

	CallbackRows     bool
	CallbackMessages bool
}

// File records. The trailer closes every instance's section in each file.
type rowRecord struct {
	Kind  string     `json:"kind"`
	Ord   string     `json:"ord"`
	Table int        `json:"table"`
	Row   dbexec.Row `json:"row"`
}

type msgRecord struct {
	Kind string             `json:"kind"`
	Ord  string             `json:"ord"`
	Text string             `json:"text"`
	Type dbexec.MessageType `json:"type"`
}

type endRecord struct {
	Kind       string `json:"kind"`
	Ord        string `json:"ord"`
	Instance   string `json:"instance"`
	ServerPID  int    `json:"serverPid,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}
