package service

import (
	"context"
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hokhau/internal/domain"
	"hokhau/internal/events"
	"hokhau/internal/repository"
)

func (h *harness) submitFeedback(t *testing.T, actor domain.Actor, title, body, category string) *domain.Feedback {
	t.Helper()
	f, err := h.feedback.Submit(context.Background(), actor, SubmitFeedbackRequest{Title: title, Body: body, Category: category})
	require.NoError(t, err)
	return f
}

func (h *harness) getFeedback(t *testing.T, id string) *domain.Feedback {
	t.Helper()
	f, err := h.store.GetFeedback(context.Background(), id)
	require.NoError(t, err)
	return f
}

func TestFeedbackSubmit(t *testing.T) {
	h := newHarness(t)
	f := h.submitFeedback(t, citizen, " Đèn đường hỏng ", "Ngõ 5 tối om", "infrastructure")
	assert.Equal(t, "Đèn đường hỏng", f.Title)
	assert.Equal(t, domain.FeedbackPending, f.Status)
	assert.Equal(t, 1, f.ReportCount)
	assert.Equal(t, []string{citizen.Name}, f.Submitters)
	assert.Contains(t, h.emitter.types(), events.FeedbackSubmitted)

	_, err := h.feedback.Submit(context.Background(), citizen, SubmitFeedbackRequest{Title: "x"})
	assert.True(t, domain.IsValidation(err))
}

func TestFeedbackMergeAndRespond(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	third := domain.Actor{UserID: "citizen-3", Name: "Lê Văn C", Role: domain.RoleCitizen}
	f1 := h.submitFeedback(t, citizen, "Đèn đường hỏng", "ngõ 5", "infrastructure")
	f2 := h.submitFeedback(t, other, "Đèn đường hỏng", "ngõ 5 Hàng Bông", "infrastructure")
	f3 := h.submitFeedback(t, third, "Mất đèn", "ngõ 5", "infrastructure")

	primary, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f3.FeedbackID, f2.FeedbackID, f1.FeedbackID}})
	require.NoError(t, err)
	assert.Equal(t, f1.FeedbackID, primary.FeedbackID, "earliest submitted wins")
	assert.Equal(t, 3, primary.ReportCount)
	assert.ElementsMatch(t, []string{citizen.Name, other.Name, third.Name}, primary.Submitters)

	for _, id := range []string{f2.FeedbackID, f3.FeedbackID} {
		got := h.getFeedback(t, id)
		assert.Equal(t, domain.FeedbackInProgress, got.Status)
		assert.Equal(t, f1.FeedbackID, domain.Deref(got.PrimaryFeedbackID))
		assert.Equal(t, domain.MergeMarker(f1.FeedbackID), got.Resolution)
	}

	responded, err := h.feedback.Respond(ctx, admin, f1.FeedbackID, RespondFeedbackRequest{RespondingUnit: "Unit X", Content: "Fixed"})
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackResolved, responded.Status)

	for _, id := range []string{f1.FeedbackID, f2.FeedbackID, f3.FeedbackID} {
		got := h.getFeedback(t, id)
		assert.Equal(t, domain.FeedbackResolved, got.Status)
		assert.Equal(t, "Fixed", got.Resolution)
		assert.Equal(t, "Unit X", got.RespondingUnit)
		assert.NotNil(t, got.RespondedAt)
	}
	assert.Contains(t, h.emitter.types(), events.FeedbackMerged)
	assert.Contains(t, h.emitter.types(), events.FeedbackResponded)
}

func TestFeedbackMerge_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "a", "b", "")

	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID}})
	assert.True(t, domain.IsValidation(err))

	_, err = h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f1.FeedbackID}})
	assert.True(t, domain.IsValidation(err), "duplicates count once")

	_, err = h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, "missing"}})
	assert.True(t, domain.IsNotFound(err))

	_, err = h.feedback.Merge(ctx, citizen, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, "x"}})
	assert.True(t, domain.IsForbidden(err))
}

func TestFeedbackMerge_ExplicitPrimaryJoinsSet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "a", "b", "")
	f2 := h.submitFeedback(t, other, "a", "b", "")

	primary, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID}, PrimaryID: f2.FeedbackID})
	require.NoError(t, err)
	assert.Equal(t, f2.FeedbackID, primary.FeedbackID)
	assert.Equal(t, 2, primary.ReportCount)
	assert.Equal(t, f2.FeedbackID, domain.Deref(h.getFeedback(t, f1.FeedbackID).PrimaryFeedbackID))
}

func TestFeedbackMerge_RepeatedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "a", "b", "")
	f2 := h.submitFeedback(t, other, "a", "b", "")
	f3 := h.submitFeedback(t, citizen, "a", "b", "")

	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f2.FeedbackID}})
	require.NoError(t, err)
	primary, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f2.FeedbackID, f3.FeedbackID}})
	require.NoError(t, err)
	assert.Equal(t, 3, primary.ReportCount)
	// citizen 提交了两条，名字只出现一次
	assert.ElementsMatch(t, []string{citizen.Name, other.Name}, primary.Submitters)

	again, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f2.FeedbackID, f1.FeedbackID}})
	require.NoError(t, err)
	assert.Equal(t, 3, again.ReportCount)
	assert.Equal(t, domain.MergeMarker(f1.FeedbackID), h.getFeedback(t, f2.FeedbackID).Resolution)
}

// 已是主反映的记录被并入更早的主反映：下属一起改挂，只保留一层
func TestFeedbackMerge_Transitive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.submitFeedback(t, citizen, "a", "b", "")
	b := h.submitFeedback(t, other, "a", "b", "")
	c := h.submitFeedback(t, domain.Actor{UserID: "c", Name: "C", Role: domain.RoleCitizen}, "a", "b", "")

	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{b.FeedbackID, c.FeedbackID}})
	require.NoError(t, err)
	assert.Equal(t, 2, h.getFeedback(t, b.FeedbackID).ReportCount)

	primary, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{a.FeedbackID, b.FeedbackID}})
	require.NoError(t, err)
	assert.Equal(t, a.FeedbackID, primary.FeedbackID)
	assert.Equal(t, 3, primary.ReportCount)
	assert.ElementsMatch(t, []string{citizen.Name, other.Name, "C"}, primary.Submitters)

	gotB := h.getFeedback(t, b.FeedbackID)
	gotC := h.getFeedback(t, c.FeedbackID)
	assert.Equal(t, a.FeedbackID, domain.Deref(gotB.PrimaryFeedbackID))
	assert.Equal(t, a.FeedbackID, domain.Deref(gotC.PrimaryFeedbackID))
	assert.Equal(t, 1, gotB.ReportCount)

	_, err = h.feedback.Respond(ctx, admin, a.FeedbackID, RespondFeedbackRequest{RespondingUnit: "U", Content: "done"})
	require.NoError(t, err)
	assert.Equal(t, domain.FeedbackResolved, h.getFeedback(t, c.FeedbackID).Status)
}

// 把一条下属指定为新主反映：它从原上级脱离，原上级重新计数
func TestFeedbackMerge_DetachesSecondaryPrimary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.submitFeedback(t, citizen, "a", "b", "")
	b := h.submitFeedback(t, other, "a", "b", "")
	c := h.submitFeedback(t, domain.Actor{UserID: "c", Name: "C", Role: domain.RoleCitizen}, "a", "b", "")
	d := h.submitFeedback(t, domain.Actor{UserID: "d", Name: "D", Role: domain.RoleCitizen}, "a", "b", "")

	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{a.FeedbackID, b.FeedbackID, c.FeedbackID}})
	require.NoError(t, err)

	primary, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{d.FeedbackID}, PrimaryID: c.FeedbackID})
	require.NoError(t, err)
	assert.Equal(t, c.FeedbackID, primary.FeedbackID)
	assert.False(t, primary.IsSecondary())
	assert.Empty(t, primary.Resolution)
	assert.Equal(t, 2, primary.ReportCount)

	gotA := h.getFeedback(t, a.FeedbackID)
	assert.Equal(t, 2, gotA.ReportCount)
	assert.ElementsMatch(t, []string{citizen.Name, other.Name}, gotA.Submitters)
}

func TestFeedbackMerge_ClosedPrimary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "a", "b", "")
	f2 := h.submitFeedback(t, other, "a", "b", "")

	_, err := h.feedback.Respond(ctx, admin, f1.FeedbackID, RespondFeedbackRequest{RespondingUnit: "U", Content: "ok"})
	require.NoError(t, err)

	_, err = h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f2.FeedbackID}})
	assert.Equal(t, domain.ConflictFeedbackAlreadyClosed, conflictCode(t, err))
	assert.False(t, h.getFeedback(t, f2.FeedbackID).IsSecondary())
}

func TestFeedbackRespond_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "a", "b", "")
	f2 := h.submitFeedback(t, other, "a", "b", "")
	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f2.FeedbackID}})
	require.NoError(t, err)

	_, err = h.feedback.Respond(ctx, admin, f2.FeedbackID, RespondFeedbackRequest{RespondingUnit: "U", Content: "x"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "response to secondary feedback disallowed", ve.Message)

	_, err = h.feedback.Respond(ctx, admin, f1.FeedbackID, RespondFeedbackRequest{RespondingUnit: "U", Content: "  "})
	assert.True(t, domain.IsValidation(err))

	_, err = h.feedback.Respond(ctx, admin, "missing", RespondFeedbackRequest{RespondingUnit: "U", Content: "x"})
	assert.True(t, domain.IsNotFound(err))

	_, err = h.feedback.Respond(ctx, citizen, f1.FeedbackID, RespondFeedbackRequest{RespondingUnit: "U", Content: "x"})
	assert.True(t, domain.IsForbidden(err))

	assert.Equal(t, domain.FeedbackInProgress, h.getFeedback(t, f1.FeedbackID).Status)
}

func TestFeedbackReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "a", "b", "")
	f2 := h.submitFeedback(t, other, "a", "b", "")
	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f2.FeedbackID}})
	require.NoError(t, err)

	_, err = h.feedback.Reject(ctx, admin, f1.FeedbackID, "")
	assert.True(t, domain.IsValidation(err))

	_, err = h.feedback.Reject(ctx, admin, f1.FeedbackID, "không thuộc thẩm quyền")
	require.NoError(t, err)
	for _, id := range []string{f1.FeedbackID, f2.FeedbackID} {
		got := h.getFeedback(t, id)
		assert.Equal(t, domain.FeedbackRejected, got.Status)
		assert.Equal(t, "không thuộc thẩm quyền", got.Resolution)
	}

	_, err = h.feedback.Reject(ctx, admin, f1.FeedbackID, "again")
	assert.Equal(t, domain.ConflictFeedbackAlreadyClosed, conflictCode(t, err))
	_, err = h.feedback.Respond(ctx, admin, f1.FeedbackID, RespondFeedbackRequest{RespondingUnit: "U", Content: "x"})
	assert.Equal(t, domain.ConflictFeedbackAlreadyClosed, conflictCode(t, err))
}

func TestFeedbackListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "a", "b", "roads")
	f2 := h.submitFeedback(t, other, "a", "b", "roads")
	h.submitFeedback(t, other, "c", "d", "noise")
	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f2.FeedbackID}})
	require.NoError(t, err)

	adminList, err := h.feedback.ListForAdmin(ctx, admin, ListFeedbackRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, adminList.Total)
	for _, f := range adminList.Items {
		assert.NotEqual(t, f2.FeedbackID, f.FeedbackID)
	}

	_, err = h.feedback.ListForAdmin(ctx, citizen, ListFeedbackRequest{})
	assert.True(t, domain.IsForbidden(err))

	mine, err := h.feedback.ListMine(ctx, other, ListFeedbackRequest{Filters: repository.FeedbackFilters{Category: "roads"}})
	require.NoError(t, err)
	require.Equal(t, 1, mine.Total)
	assert.Equal(t, f2.FeedbackID, mine.Items[0].FeedbackID)

	_, err = h.feedback.Get(ctx, other, f2.FeedbackID)
	assert.NoError(t, err)
	_, err = h.feedback.Get(ctx, citizen, f2.FeedbackID)
	assert.True(t, domain.IsForbidden(err))
}

func TestSuggestDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	target := h.submitFeedback(t, citizen, "Đèn đường hỏng", "Đèn ngõ 5 phố Huế bị hỏng", "infrastructure")
	near := h.submitFeedback(t, other, "Đèn đường hỏng", "Đèn ngõ 5 phố Huế hỏng rồi", "infrastructure")
	h.submitFeedback(t, other, "Tiếng ồn karaoke", "Nhà số 7 hát karaoke tới khuya", "infrastructure")
	h.submitFeedback(t, other, "Đèn đường hỏng", "Đèn ngõ 5 phố Huế bị hỏng", "noise")

	got, err := h.feedback.SuggestDuplicates(ctx, admin, target.FeedbackID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near.FeedbackID, got[0].Feedback.FeedbackID)
	assert.GreaterOrEqual(t, got[0].Score, DuplicateThreshold)

	_, err = h.feedback.SuggestDuplicates(ctx, citizen, target.FeedbackID, 0)
	assert.True(t, domain.IsForbidden(err))
}

func TestSimilarity(t *testing.T) {
	dmp := diffmatchpatch.New()
	assert.Equal(t, 1.0, similarity(dmp, "", ""))
	assert.Equal(t, 1.0, similarity(dmp, "abc", "abc"))
	assert.InDelta(t, 0.0, similarity(dmp, "abc", "xyz"), 1e-9)
	assert.InDelta(t, 0.75, similarity(dmp, "abcd", "abce"), 1e-9)
}

// 回复时以加锁后的下属为准：读取之后才提交的合并也要一并关闭
func TestFeedbackRespond_SeesSecondariesMergedBeforeLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "Đèn đường hỏng", "Ngõ 5 tối", "infrastructure")
	f2 := h.submitFeedback(t, other, "Đèn hỏng ngõ 5", "Tối om", "infrastructure")

	stale := newStaleReadStore(h.store)
	stale.rememberFeedback(t, f1.FeedbackID)
	_, feedback := h.withStore(stale)

	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f2.FeedbackID}, PrimaryID: f1.FeedbackID})
	require.NoError(t, err)

	_, err = feedback.Respond(ctx, admin, f1.FeedbackID, RespondFeedbackRequest{RespondingUnit: "UBND phường", Content: "Đã thay bóng"})
	require.NoError(t, err)

	for _, id := range []string{f1.FeedbackID, f2.FeedbackID} {
		got := h.getFeedback(t, id)
		assert.Equal(t, domain.FeedbackResolved, got.Status, id)
		assert.Equal(t, "Đã thay bóng", got.Resolution, id)
		assert.Equal(t, "UBND phường", got.RespondingUnit, id)
	}
}

// 合并以加锁后的行推导旧上级，旧上级的计数随之更新
func TestFeedbackMerge_RecountsParentChangedBeforeLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f1 := h.submitFeedback(t, citizen, "Rác thải", "Chưa thu gom", "environment")
	f2 := h.submitFeedback(t, other, "Rác ùn", "Ba ngày chưa thu", "environment")
	f3 := h.submitFeedback(t, admin, "Rác tồn đọng", "Đầu ngõ", "environment")

	stale := newStaleReadStore(h.store)
	stale.rememberFeedback(t, f2.FeedbackID)
	_, feedback := h.withStore(stale)

	_, err := h.feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f1.FeedbackID, f2.FeedbackID}, PrimaryID: f1.FeedbackID})
	require.NoError(t, err)
	require.Equal(t, 2, h.getFeedback(t, f1.FeedbackID).ReportCount)

	primary, err := feedback.Merge(ctx, admin, MergeFeedbackRequest{IDs: []string{f2.FeedbackID, f3.FeedbackID}, PrimaryID: f3.FeedbackID})
	require.NoError(t, err)
	assert.Equal(t, 2, primary.ReportCount)

	old := h.getFeedback(t, f1.FeedbackID)
	assert.Equal(t, 1, old.ReportCount)
	assert.Equal(t, []string{f1.SubmitterName}, old.Submitters)

	moved := h.getFeedback(t, f2.FeedbackID)
	require.NotNil(t, moved.PrimaryFeedbackID)
	assert.Equal(t, f3.FeedbackID, *moved.PrimaryFeedbackID)
}
