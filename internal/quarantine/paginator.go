package quarantine

// Paginator splits a result set of Total items into fixed size pages.
type Paginator struct {
	Total   int
	PerPage int
}

// Page is a 1-based window over the result set. Start and Stop are 1-based
// inclusive item positions.
type Page struct {
	Number      int
	Start       int
	Stop        int
	HasNext     bool
	HasPrevious bool
}

// Items returns the number of items on the page.
func (p Page) Items() int { return p.Stop - p.Start + 1 }

// Offset returns the 0-based position of the first item.
func (p Page) Offset() int { return p.Start - 1 }

func (p Paginator) LastPage() int {
	if p.Total <= 0 || p.PerPage <= 0 {
		return 0
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}

// GetPage returns page number, or false when it lies outside the result
// set.
func (p Paginator) GetPage(number int) (Page, bool) {
	last := p.LastPage()
	if number < 1 || number > last {
		return Page{}, false
	}
	start := (number-1)*p.PerPage + 1
	stop := min(start+p.PerPage-1, p.Total)
	return Page{
		Number:      number,
		Start:       start,
		Stop:        stop,
		HasNext:     number < last,
		HasPrevious: number > 1,
	}, true
}
