package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestGinMiddlewareLabelsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware())
	router.GET("/api/notes/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/notes/:id", "204"))
	unmatchedBefore := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404"))

	for _, path := range []string{"/api/notes/1", "/api/notes/2", "/nowhere"} {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, before+2, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/notes/:id", "204")))
	require.Equal(t, unmatchedBefore+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404")))
}

func TestRecordersIncrementCounters(t *testing.T) {
	votesBefore := testutil.ToFloat64(VotesCastTotal.WithLabelValues("upvote"))
	RecordVote("upvote")
	require.Equal(t, votesBefore+1, testutil.ToFloat64(VotesCastTotal.WithLabelValues("upvote")))

	bytesBefore := testutil.ToFloat64(UploadBytesTotal.WithLabelValues("notes"))
	rejectedBefore := testutil.ToFloat64(UploadsTotal.WithLabelValues("notes", "rejected"))
	RecordUpload("notes", "accepted", 128)
	RecordUpload("notes", "rejected", 999)
	require.Equal(t, bytesBefore+128, testutil.ToFloat64(UploadBytesTotal.WithLabelValues("notes")))
	require.Equal(t, rejectedBefore+1, testutil.ToFloat64(UploadsTotal.WithLabelValues("notes", "rejected")))

	loginsBefore := testutil.ToFloat64(LoginAttemptsTotal.WithLabelValues("blocked"))
	RecordLogin("blocked")
	require.Equal(t, loginsBefore+1, testutil.ToFloat64(LoginAttemptsTotal.WithLabelValues("blocked")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordVote("downvote")

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	require.True(t, strings.Contains(recorder.Body.String(), "notevault_votes_cast_total"))
}
