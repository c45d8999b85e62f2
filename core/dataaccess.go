package core

import "context"

// ReadRequestKind selects what a read token resolves to.
type ReadRequestKind int32

const (
	ReadGroupsByID ReadRequestKind = iota
	ReadAllGroupIDs
	ReadMessagesByID
	ReadMessageIDsForGroup
)

// ReadRequest is a caller's asynchronous query, minted as a token and
// fulfilled by the Data Access Front-End on a later tick.
type ReadRequest struct {
	Kind     ReadRequestKind
	GroupID  GroupID
	GroupIDs []GroupID
	MsgIDs   []MessageID
}

// ReadResult is what a caller retrieves by polling a read token.
type ReadResult struct {
	Groups     []Group
	GroupIDs   []GroupID
	Messages   []Message
	MessageIDs []MessageID
}

type dataAccess struct {
	queue   []Token
	pending map[Token]ReadRequest
	results map[Token]ReadResult
}

func newDataAccess() *dataAccess {
	return &dataAccess{pending: make(map[Token]ReadRequest), results: make(map[Token]ReadResult)}
}

func (d *dataAccess) enqueue(t Token, req ReadRequest) {
	d.pending[t] = req
	d.queue = append(d.queue, t)
}

// drainReadRequestsTick fulfils every queued read directly from the
// engine's in-memory tables — no store I/O is needed here because the
// engine's maps are the authoritative working set. Groups reach them
// from Store only through engine.go's Load, which the embedding
// program calls after New; stored messages are never read back, so
// only messages published or received by this engine are served.
func (e *Engine) drainReadRequestsTick(ctx context.Context) {
	d := e.dataAccess
	if len(d.queue) == 0 {
		return
	}
	work := d.queue
	d.queue = nil

	for _, t := range work {
		req, ok := d.pending[t]
		if !ok {
			continue
		}
		delete(d.pending, t)

		var res ReadResult
		switch req.Kind {
		case ReadGroupsByID:
			ids := req.GroupIDs
			if len(ids) == 0 {
				ids = e.allGroupIDs()
			}
			for _, id := range ids {
				if m, ok := e.groups[id]; ok {
					res.Groups = append(res.Groups, Group{Payload: e.groupPayload[id], Meta: *m})
				}
			}
		case ReadAllGroupIDs:
			res.GroupIDs = e.allGroupIDs()
		case ReadMessagesByID:
			for _, id := range req.MsgIDs {
				if m, ok := e.messages[id]; ok && m.GroupID == req.GroupID {
					res.Messages = append(res.Messages, Message{Payload: e.messagePayload[id], Meta: *m})
				}
			}
		case ReadMessageIDsForGroup:
			for id, m := range e.messages {
				if m.GroupID == req.GroupID {
					res.MessageIDs = append(res.MessageIDs, id)
				}
			}
		}
		d.results[t] = res
		e.ledger.SetStatus(t, TokenComplete)
	}
}

func (e *Engine) allGroupIDs() []GroupID {
	ids := make([]GroupID, 0, len(e.groups))
	for id := range e.groups {
		ids = append(ids, id)
	}
	return ids
}

// FetchResult retrieves and clears a completed read token's result.
func (e *Engine) FetchResult(t Token) (ReadResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.dataAccess.results[t]
	if ok {
		delete(e.dataAccess.results, t)
	}
	return res, ok
}
