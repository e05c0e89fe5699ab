package query

import "github.com/migadu/soramail/mail"

// DefaultPageSize is used when the caller gives no positive page size.
const DefaultPageSize = 10

// Page is one page of a result list.
type Page struct {
	Content     []*mail.Email `json:"content"`
	CurrentPage int           `json:"currentPage"`
	PageSize    int           `json:"pageSize"`
	TotalPages  int           `json:"totalPages"`
	TotalEmails int           `json:"totalEmails"`
	Folder      string        `json:"folder"`
}

// Paginate slices emails into the requested 1-indexed page. The page number
// is clamped to [1, TotalPages]; an empty list yields page 1 of 0.
func Paginate(emails []*mail.Email, page, size int, folder string) Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	total := len(emails)
	totalPages := (total + size - 1) / size

	if page > totalPages {
		page = totalPages
	}
	if page < 1 {
		page = 1
	}

	content := []*mail.Email{}
	if total > 0 {
		start := (page - 1) * size
		end := min(start+size, total)
		content = emails[start:end]
	}

	return Page{
		Content:     content,
		CurrentPage: page,
		PageSize:    size,
		TotalPages:  totalPages,
		TotalEmails: total,
		Folder:      folder,
	}
}
