package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/profnet/profiled/internal/search"
	"github.com/profnet/profiled/internal/validate"
	"github.com/profnet/profiled/internal/wire"
)

// handleProfileSearch runs a bounded search. When the result set exceeds
// the response cap, the full result set is parked in the session's search
// cache for ProfileSearchPart, which pages it by absolute record index.
func (s *Server) handleProfileSearch(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	q, err := search.ParseQuery(req.Conversation.ProfileSearch)
	if err != nil {
		var fe *validate.FieldError
		if errors.As(err, &fe) {
			return errResponse(wire.StatusInvalidValue, fe.Field), outcomeContinue
		}
		return errResponse(wire.StatusInvalidValue, ""), outcomeContinue
	}

	started := time.Now()
	res, err := s.search.Run(c.ctx, q)
	if err != nil {
		slog.Error("search failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	s.metrics.SearchDurationSeconds.Observe(time.Since(started).Seconds())
	s.metrics.SearchRecordsReturned.Observe(float64(len(res.Records)))

	immediate := res.Records
	if len(immediate) > q.MaxResponse {
		// Cache the full set for paged retrieval; any previous cache is
		// replaced.
		c.sess.SearchCache = res.Records
		immediate = res.Records[:q.MaxResponse]
	} else {
		c.sess.SearchCache = nil
	}

	return &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			ProfileSearch: &wire.ProfileSearchResponse{
				TotalRecordCount: uint32(len(res.Records)),
				MaxResponseCount: uint32(q.MaxResponse),
				Profiles:         immediate,
				CoveredServers:   res.CoveredServers,
			},
		},
	}, outcomeContinue
}

// handleProfileSearchPart slices a page out of the cached result set.
func (s *Server) handleProfileSearchPart(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	part := req.Conversation.ProfileSearchPart
	cache := c.sess.SearchCache
	if cache == nil {
		return errResponse(wire.StatusNotAvailable, ""), outcomeContinue
	}
	index, count := int(part.RecordIndex), int(part.RecordCount)
	if index >= len(cache) {
		return errResponse(wire.StatusInvalidValue, "recordIndex"), outcomeContinue
	}
	if count < 1 || index+count > len(cache) {
		return errResponse(wire.StatusInvalidValue, "recordCount"), outcomeContinue
	}
	return &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			ProfileSearchPart: &wire.ProfileSearchPartResponse{
				RecordIndex: part.RecordIndex,
				RecordCount: part.RecordCount,
				Profiles:    cache[index : index+count],
			},
		},
	}, outcomeContinue
}
