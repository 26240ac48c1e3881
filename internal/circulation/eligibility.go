package circulation

import "time"

// CheckBorrowEligibility decides whether s may borrow b, given the student's
// open transactions. It returns nil to allow or a *DenialError naming the
// first rule that failed. Rules are evaluated in a fixed order so the reason
// is deterministic when several apply at once.
func CheckBorrowEligibility(p Policy, s *Student, b *Book, open []*Transaction, now time.Time) error {
	if s.BorrowedBooks >= p.MaxBooksPerStudent {
		return Deny(ReasonBorrowLimit, "cannot borrow more than %d books", p.MaxBooksPerStudent)
	}
	if b.Available <= 0 {
		return Deny(ReasonUnavailable, "book %d has no copies left", b.ID)
	}
	for _, t := range open {
		if t.DueAt.Before(now) {
			return Deny(ReasonHasOverdue, "transaction %s was due %s", t.Code, t.DueAt.Format(time.DateOnly))
		}
	}
	if s.FineAmount.IsPositive() {
		return Deny(ReasonPendingFine, "outstanding balance %s", s.FineAmount.StringFixed(2))
	}
	if t := FindOpen(open, b.ID); t != nil {
		return Deny(ReasonDuplicateBorrow, "open transaction %s", t.Code)
	}
	return nil
}
