package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/capdesk/backend"
)

// FAQEntry is the wire shape of one entry.
type FAQEntry = backend.FAQ

// NoAnswer is returned by /ask when no entry matches.
const NoAnswer = "Je n'ai pas trouvé de réponse à votre question."

var errFAQNotFound = errors.New("FAQ not found")

type faqStore struct {
	mu     sync.RWMutex
	items  map[int]FAQEntry
	nextID int
}

func newFAQStore(seed []FAQEntry) *faqStore {
	s := &faqStore{items: make(map[int]FAQEntry), nextID: 1}
	for _, e := range seed {
		if e.ID <= 0 {
			e.ID = s.nextID
		}
		s.items[e.ID] = e
		if e.ID >= s.nextID {
			s.nextID = e.ID + 1
		}
	}
	return s
}

func (s *faqStore) list() []FAQEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FAQEntry, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *faqStore) get(id int) (FAQEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	return e, ok
}

func (s *faqStore) create(in backend.FAQInput) FAQEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := FAQEntry{ID: s.nextID, Question: in.Question, Procede: in.Procede}
	s.items[e.ID] = e
	s.nextID++
	return e
}

func (s *faqStore) update(id int, in backend.FAQInput) (FAQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return FAQEntry{}, errFAQNotFound
	}
	e := FAQEntry{ID: id, Question: in.Question, Procede: in.Procede}
	s.items[id] = e
	return e, nil
}

func (s *faqStore) delete(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return errFAQNotFound
	}
	delete(s.items, id)
	return nil
}

// paginate slices the listing the way the backend does: pages counted
// from 1, links relative to /faq/paginated.
func paginate(all []FAQEntry, page, size int) backend.Page {
	total := len(all)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := min(start+size, total)

	link := func(p int) string { return fmt.Sprintf("/faq/paginated?page=%d&size=%d", p, size) }
	p := backend.Page{
		Items: append([]FAQEntry{}, all[start:end]...),
		Pagination: backend.Pagination{
			Total:   total,
			Page:    page,
			Size:    size,
			Pages:   pages,
			HasNext: page < pages,
			HasPrev: page > 1,
		},
		Links: backend.Links{
			Self:  link(page),
			First: link(1),
			Last:  link(pages),
		},
	}
	if p.Pagination.HasNext {
		next := link(page + 1)
		p.Links.Next = &next
	}
	if p.Pagination.HasPrev {
		prev := link(page - 1)
		p.Links.Prev = &prev
	}
	return p
}

// words splits s into lowercase words of three letters or more.
func words(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= 3 {
			out[w] = struct{}{}
		}
	}
	return out
}

// match returns the entry sharing the most words with question.
func (s *faqStore) match(question string) (FAQEntry, int) {
	q := words(question)
	var best FAQEntry
	bestScore := 0
	for _, e := range s.list() {
		score := 0
		for w := range words(e.Question) {
			if _, ok := q[w]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	return best, bestScore
}

func (h *Hub) handleFAQList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.faq.list())
}

func (h *Hub) handleFAQPage(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	size := queryInt(r, "size", backend.DefaultPageSize)
	if page < 1 || size < 1 || size > 100 {
		writeError(w, http.StatusUnprocessableEntity, errors.New("page must be >= 1 and size between 1 and 100"))
		return
	}
	writeJSON(w, http.StatusOK, paginate(h.faq.list(), page, size))
}

func (h *Hub) handleFAQGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	e, found := h.faq.get(id)
	if !found {
		writeError(w, http.StatusNotFound, errFAQNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Hub) handleFAQCreate(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeFAQ(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, h.faq.create(in))
}

func (h *Hub) handleFAQUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	in, ok := decodeFAQ(w, r)
	if !ok {
		return
	}
	e, err := h.faq.update(id, in)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Hub) handleFAQDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.faq.delete(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "FAQ deleted", "id": id})
}

func (h *Hub) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBodyError(w, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusUnprocessableEntity, backend.ErrEmptyQuestion)
		return
	}
	e, score := h.faq.match(req.Question)
	if score == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"answer": NoAnswer, "faq_id": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":   e.ProcedeText(),
		"faq_id":   e.ID,
		"question": e.Question,
		"score":    score,
	})
}

func decodeFAQ(w http.ResponseWriter, r *http.Request) (backend.FAQInput, bool) {
	var in backend.FAQInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBodyError(w, err)
		return in, false
	}
	if err := in.Check(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return in, false
	}
	return in, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
