package ingress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedBusiness struct {
	name     string
	userID   string
	courseID string
	lessonID string
}

type fakeBusinessRecorder struct {
	mu     sync.Mutex
	events []recordedBusiness
	panics bool
}

func (f *fakeBusinessRecorder) EmitBusiness(name, userID, courseID, lessonID string) bool {
	if f.panics {
		panic("emitter exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedBusiness{name, userID, courseID, lessonID})
	return true
}

func TestTrackerEmitsNamedEvents(t *testing.T) {
	recorder := &fakeBusinessRecorder{}
	tracker := NewTracker(recorder, zap.NewNop())

	tracker.Login("user-1")
	tracker.Registration("user-2")
	tracker.EnrollmentCreated("user-1", "course-9")
	tracker.LessonCompleted("user-1", "course-9", "lesson-3")
	tracker.Track("custom_event", Fields{UserID: "user-1"})

	require.Len(t, recorder.events, 5)
	assert.Equal(t, recordedBusiness{"login", "user-1", "", ""}, recorder.events[0])
	assert.Equal(t, recordedBusiness{"registration", "user-2", "", ""}, recorder.events[1])
	assert.Equal(t, recordedBusiness{"enrollment_created", "user-1", "course-9", ""}, recorder.events[2])
	assert.Equal(t, recordedBusiness{"lesson_completed", "user-1", "course-9", "lesson-3"}, recorder.events[3])
	assert.Equal(t, recordedBusiness{"custom_event", "user-1", "", ""}, recorder.events[4])
}

func TestTrackerSwallowsPanics(t *testing.T) {
	tracker := NewTracker(&fakeBusinessRecorder{panics: true}, zap.NewNop())

	assert.NotPanics(t, func() {
		tracker.Login("user-1")
	})
}
