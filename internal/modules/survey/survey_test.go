package survey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/pkg/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAnswer(t *testing.T) {
	t.Parallel()

	got, err := NormalizeAnswer(" YES ")
	require.NoError(t, err)
	assert.Equal(t, "yes", got)

	_, err = NormalizeAnswer("maybe")
	assert.ErrorIs(t, err, ErrInvalidAnswer)
}

func TestService_RecordUpserts(t *testing.T) {
	t.Parallel()

	db, mock := dbtest.New(t, true)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `survey_answers`") + ".*ON DUPLICATE KEY UPDATE.*`answer`=VALUES\\(`answer`\\)").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, NewService(db).Record(context.Background(), "sub-1", "art-1", "No"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_RecordRejectsBadAnswerWithoutQuery(t *testing.T) {
	t.Parallel()

	db, mock := dbtest.New(t, true)
	err := NewService(db).Record(context.Background(), "sub-1", "art-1", "perhaps")
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_Tally(t *testing.T) {
	t.Parallel()

	db, mock := dbtest.New(t, true)
	mock.ExpectQuery("SELECT answer, COUNT\\(\\*\\) AS count FROM `survey_answers`").
		WithArgs("art-1").
		WillReturnRows(sqlmock.NewRows([]string{"answer", "count"}).AddRow("yes", 3).AddRow("no", 1))

	tally, err := NewService(db).Tally(context.Background(), "art-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), tally.Yes)
	assert.Equal(t, int64(1), tally.No)
}

func TestHandler_Tally(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	db, mock := dbtest.New(t, true)
	mock.ExpectQuery("SELECT answer, COUNT\\(\\*\\) AS count FROM `survey_answers`").
		WithArgs("art-9").
		WillReturnRows(sqlmock.NewRows([]string{"answer", "count"}).AddRow("no", 2))

	r := gin.New()
	auth := func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
		}
	}
	NewHandler(NewService(db), nil).RegisterRoutes(r.Group("/api/v2"), auth)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v2/survey/art-9", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v2/survey/art-9", nil)
	req.Header.Set("Authorization", "Bearer x")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"article_id":"art-9","yes":0,"no":2}`, w.Body.String())
}
