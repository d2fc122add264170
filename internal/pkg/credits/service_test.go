package credits

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/pixmuse/PixMuse/app/models"
	"github.com/pixmuse/PixMuse/internal/testutil"
)

func testCosts() Costs {
	return Costs{Image: 24, Prompt: 2, FreeDailyCredits: 10}
}

func createFreeUser(t *testing.T, db *gorm.DB, daily int) *models.User {
	t.Helper()
	user := &models.User{
		Name:         "Free User",
		Email:        "free@example.com",
		IsSubscribed: false,
		DailyCredits: daily,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createSubscribedUser(t *testing.T, db *gorm.DB, imageLimit, promptLimit, usedImage, usedPrompt int) *models.User {
	t.Helper()
	user := &models.User{
		Name:                    "Paid User",
		Email:                   "paid@example.com",
		IsSubscribed:            true,
		PlanType:                models.PlanTypeStandard,
		TotalCredits:            imageLimit + promptLimit,
		ImageGenerationCredits:  imageLimit,
		PromptGenerationCredits: promptLimit,
		UsedImageCredits:        usedImage,
		UsedPromptCredits:       usedPrompt,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestCheckGenerationLimits_FreeUserImageRequiresSubscription(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := createFreeUser(t, db, 10)
	svc := NewService(NewRepository(db), testCosts())

	_, err := svc.CheckGenerationLimits(context.Background(), user.ID, GenerationImage)
	assert.ErrorIs(t, err, ErrSubscriptionRequired)
}

func TestCheckGenerationLimits_FreeUserPromptBudget(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := createFreeUser(t, db, 4)
	svc := NewService(NewRepository(db), testCosts())

	check, err := svc.CheckGenerationLimits(context.Background(), user.ID, GenerationPrompt)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.False(t, check.IsSubscribed)
	assert.Equal(t, 2, check.Remaining)
}

func TestRecordGenerationUsage_FreeUserPromptChainStopsAtZero(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := createFreeUser(t, db, 4)
	svc := NewService(NewRepository(db), testCosts())
	ctx := context.Background()

	// 4 daily credits buy exactly two prompts at cost 2.
	require.NoError(t, svc.RecordGenerationUsage(ctx, user.ID, GenerationPrompt, 1))
	require.NoError(t, svc.RecordGenerationUsage(ctx, user.ID, GenerationPrompt, 1))

	err := svc.RecordGenerationUsage(ctx, user.ID, GenerationPrompt, 1)
	require.Error(t, err)
	assert.True(t, IsLimitError(err))

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.Equal(t, 0, reloaded.DailyCredits)
}

func TestRecordGenerationUsage_SubscribedUserAtLimitBoundary(t *testing.T) {
	db := testutil.SetupTestDB(t)
	// 1190 of 1200 used: one more image at cost 24 must be rejected and
	// the counter must stay untouched.
	user := createSubscribedUser(t, db, 1200, 300, 1190, 0)
	svc := NewService(NewRepository(db), testCosts())

	err := svc.RecordGenerationUsage(context.Background(), user.ID, GenerationImage, 1)
	require.Error(t, err)
	assert.True(t, IsLimitError(err))

	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 1190, le.Used)
	assert.Equal(t, 1200, le.Max)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.Equal(t, 1190, reloaded.UsedImageCredits)
}

func TestRecordGenerationUsage_ExactFit(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := createSubscribedUser(t, db, 48, 300, 24, 0)
	svc := NewService(NewRepository(db), testCosts())

	require.NoError(t, svc.RecordGenerationUsage(context.Background(), user.ID, GenerationImage, 1))

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.Equal(t, 48, reloaded.UsedImageCredits)
}

func TestRecordGenerationUsage_ConcurrentDebitsNeverOvershoot(t *testing.T) {
	db := testutil.SetupTestDB(t)
	// Room for exactly 5 images.
	user := createSubscribedUser(t, db, 120, 300, 0, 0)
	svc := NewService(NewRepository(db), testCosts())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.RecordGenerationUsage(context.Background(), user.ID, GenerationImage, 1)
		}()
	}
	wg.Wait()

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.LessOrEqual(t, reloaded.UsedImageCredits, reloaded.ImageGenerationCredits)
	assert.Equal(t, 0, reloaded.UsedImageCredits%24)
}

func TestCheckGenerationLimits_NoSubscriptionState(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := &models.User{
		Name:         "Ghost",
		Email:        "ghost@example.com",
		IsSubscribed: true,
	}
	require.NoError(t, db.Create(user).Error)

	svc := NewService(NewRepository(db), testCosts())
	_, err := svc.CheckGenerationLimits(context.Background(), user.ID, GenerationImage)
	assert.ErrorIs(t, err, ErrNoSubscriptionState)
}

func TestResetDailyCredits_IdempotentPerDay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := NewService(NewRepository(db), testCosts())
	ctx := context.Background()

	user := createFreeUser(t, db, 3)
	yesterday := time.Now().Add(-24 * time.Hour)
	require.NoError(t, db.Model(user).UpdateColumn("last_credit_reset", yesterday).Error)

	require.NoError(t, svc.ResetDailyCredits(ctx))

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.Equal(t, 10, reloaded.DailyCredits)
	require.NotNil(t, reloaded.LastCreditReset)

	// Burn a credit, then run the reset again on the same day: it must
	// not top the user back up.
	require.NoError(t, svc.RecordGenerationUsage(ctx, user.ID, GenerationPrompt, 1))
	require.NoError(t, svc.ResetDailyCredits(ctx))

	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.Equal(t, 8, reloaded.DailyCredits)
}

func TestResetDailyCredits_SkipsSubscribedUsers(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := NewService(NewRepository(db), testCosts())

	user := createSubscribedUser(t, db, 1200, 300, 50, 10)
	require.NoError(t, svc.ResetDailyCredits(context.Background()))

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.Equal(t, 50, reloaded.UsedImageCredits)
	assert.Equal(t, 10, reloaded.UsedPromptCredits)
}

func TestRecordGenerationUsage_UnknownUser(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := NewService(NewRepository(db), testCosts())

	err := svc.RecordGenerationUsage(context.Background(), 9999, GenerationPrompt, 1)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

type fakeMarker struct {
	value string
	sets  int
}

func (m *fakeMarker) Get(string) (string, error) {
	if m.value == "" {
		return "", gorm.ErrRecordNotFound
	}
	return m.value, nil
}

func (m *fakeMarker) Set(_ string, value interface{}, _ time.Duration) error {
	m.value = value.(string)
	m.sets++
	return nil
}

func TestResetDailyCredits_MarkerShortCircuitsSweep(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := createFreeUser(t, db, 3)
	require.NoError(t, db.Model(user).Update("last_credit_reset", time.Now().AddDate(0, 0, -1)).Error)

	svc := NewService(NewRepository(db), testCosts())
	marker := &fakeMarker{value: time.Now().Format("2006-01-02")}
	svc.UseResetMarker(marker)

	require.NoError(t, svc.ResetDailyCredits(context.Background()))

	var got models.User
	require.NoError(t, db.First(&got, user.ID).Error)
	assert.Equal(t, 3, got.DailyCredits, "marked day should skip the sweep")

	marker.value = ""
	require.NoError(t, svc.ResetDailyCredits(context.Background()))
	require.NoError(t, db.First(&got, user.ID).Error)
	assert.Equal(t, 10, got.DailyCredits)
	assert.Equal(t, 1, marker.sets)
}

func TestCheckGenerationLimits_CancelledContext(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := createFreeUser(t, db, 10)
	svc := NewService(NewRepository(db), testCosts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.CheckGenerationLimits(ctx, user.ID, GenerationPrompt)
	assert.Error(t, err, "cancelled context must abort the lookup")
}
