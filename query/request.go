package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/pkg/metrics"
)

// MaxTermLength bounds any single free-text term of a request.
const MaxTermLength = 1000

// Status shorthands accepted in Request.Folder.
const (
	StatusStarred = "starred"
	StatusRead    = "read"
	StatusUnread  = "unread"
)

// Request carries the parameters of a search. Every field is optional.
type Request struct {
	Keyword string

	Sender   string
	Receiver string
	Subject  string
	Body     string

	Priority      int
	HasAttachment *bool
	StartDate     string
	EndDate       string

	// Folder is a folder name, "all", or one of the status shorthands.
	Folder string

	SortBy string
	Page   int
	Size   int
}

// Engine builds filters from requests and runs them.
type Engine struct {
	text     TextExtractor
	location *time.Location
}

// NewEngine returns an engine that reads bodies through text and interprets
// date bounds in loc (time.Local when nil).
func NewEngine(text TextExtractor, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{text: text, location: loc}
}

func (r *Request) validate() error {
	for name, v := range map[string]string{
		"keyword":  r.Keyword,
		"sender":   r.Sender,
		"receiver": r.Receiver,
		"subject":  r.Subject,
		"body":     r.Body,
	} {
		if len(v) > MaxTermLength {
			return fmt.Errorf("%w: %s exceeds %d characters", consts.ErrBadRequest, name, MaxTermLength)
		}
	}
	if r.Priority < 0 || r.Priority > 4 {
		return fmt.Errorf("%w: priority must be between 1 and 4", consts.ErrBadRequest)
	}
	return nil
}

// Build turns a request into a single filter.
//
// With a keyword the base is subject OR body OR sender OR receiver and the
// structured text fields are ignored; otherwise the supplied structured
// fields are AND-ed. Priority, attachment and date constraints are AND-ed on
// top, and the folder or status shorthand is applied last.
func (q *Engine) Build(r Request) (Filter, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	var chain []Filter
	if kw := strings.TrimSpace(r.Keyword); kw != "" {
		chain = append(chain, Or(Subject(kw), Body(kw, q.text), Sender(kw), Receiver(kw)))
	} else {
		chain = append(chain, Sender(r.Sender), Receiver(r.Receiver), Subject(r.Subject), Body(r.Body, q.text))
	}

	if r.Priority != 0 {
		chain = append(chain, Priority(r.Priority))
	}
	if r.HasAttachment != nil {
		chain = append(chain, HasAttachment(*r.HasAttachment))
	}
	if strings.TrimSpace(r.StartDate) != "" || strings.TrimSpace(r.EndDate) != "" {
		dates, err := DateRange(r.StartDate, r.EndDate, q.location)
		if err != nil {
			return nil, err
		}
		chain = append(chain, dates)
	}

	switch folder := strings.TrimSpace(r.Folder); strings.ToLower(folder) {
	case "", consts.FolderAll:
	case StatusStarred:
		chain = append(chain, Starred())
	case StatusRead:
		chain = append(chain, ReadStatus(true))
	case StatusUnread:
		chain = append(chain, ReadStatus(false))
	default:
		chain = append(chain, Folder(folder))
	}

	return And(chain...), nil
}

// Run filters, sorts and paginates emails according to r.
func (q *Engine) Run(emails []*mail.Email, r Request) (Page, error) {
	kind := "structured"
	if strings.TrimSpace(r.Keyword) != "" {
		kind = "keyword"
	}

	f, err := q.Build(r)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(kind, "rejected").Inc()
		return Page{}, err
	}

	// Sorting happens in place; never reorder the caller's slice.
	result := append([]*mail.Email(nil), f(emails)...)
	SortBy(r.SortBy)(result)
	metrics.QueriesTotal.WithLabelValues(kind, "success").Inc()

	folder := r.Folder
	if folder == "" {
		folder = consts.FolderAll
	}
	return Paginate(result, r.Page, r.Size, folder), nil
}
