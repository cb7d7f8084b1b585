package repo

import (
	"testing"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
)

func TestCreateComment_And_Count(t *testing.T) {
	db := newRepoDB(t, &domain.Ticket{}, &domain.Comment{})

	c, err := CreateComment(db, "t1", "u1", "first reply", false)
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if c.ID == "" || c.TicketID != "t1" || c.Internal {
		t.Fatalf("unexpected comment: %+v", c)
	}

	if _, err := CreateComment(db, "t1", "u2", "internal note", true); err != nil {
		t.Fatalf("second comment: %v", err)
	}

	total, err := CountComments(db, "t1")
	if err != nil || total != 2 {
		t.Fatalf("count = %d err=%v; want 2", total, err)
	}
	if other, _ := CountComments(db, "t2"); other != 0 {
		t.Fatalf("count leaked across tickets: %d", other)
	}
}

func TestListCommentsPage_ThreadOrder(t *testing.T) {
	db := newRepoDB(t, &domain.Ticket{}, &domain.Comment{})

	for _, body := range []string{"one", "two", "three"} {
		if _, err := CreateComment(db, "t1", "u1", body, false); err != nil {
			t.Fatalf("seed %q: %v", body, err)
		}
	}

	page, err := ListCommentsPage(db, "t1", 0, 2)
	if err != nil {
		t.Fatalf("ListCommentsPage: %v", err)
	}
	if len(page) != 2 || page[0].Body != "one" || page[1].Body != "two" {
		t.Fatalf("thread order wrong: %+v", page)
	}

	rest, err := ListCommentsPage(db, "t1", 2, 2)
	if err != nil || len(rest) != 1 || rest[0].Body != "three" {
		t.Fatalf("second page wrong: %+v err=%v", rest, err)
	}
}
