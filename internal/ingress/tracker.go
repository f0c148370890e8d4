package ingress

import (
	"go.uber.org/zap"
)

// BusinessRecorder is the slice of the emitter the tracker needs.
type BusinessRecorder interface {
	EmitBusiness(name, userID, courseID, lessonID string) bool
}

// Fields carries the optional entity references attached to a business
// event.
type Fields struct {
	UserID   string
	CourseID string
	LessonID string
}

// Tracker is the call-site facade application code uses to report business
// events. Every method is fire-and-forget: it never returns an error and
// never panics into the caller, so instrumentation cannot break the operation
// being instrumented.
type Tracker struct {
	recorder BusinessRecorder
	logger   *zap.Logger
}

func NewTracker(recorder BusinessRecorder, logger *zap.Logger) *Tracker {
	return &Tracker{recorder: recorder, logger: logger}
}

// Track emits a business event with the given metric name. Unknown names are
// allowed; the fixed dashboard vocabulary is a read-side concern.
func (t *Tracker) Track(name string, fields Fields) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic while tracking business event",
				zap.String("metric_name", name), zap.Any("panic", r))
		}
	}()
	t.recorder.EmitBusiness(name, fields.UserID, fields.CourseID, fields.LessonID)
}

func (t *Tracker) Login(userID string) {
	t.Track("login", Fields{UserID: userID})
}

func (t *Tracker) Registration(userID string) {
	t.Track("registration", Fields{UserID: userID})
}

func (t *Tracker) EnrollmentCreated(userID, courseID string) {
	t.Track("enrollment_created", Fields{UserID: userID, CourseID: courseID})
}

func (t *Tracker) LessonStarted(userID, courseID, lessonID string) {
	t.Track("lesson_started", Fields{UserID: userID, CourseID: courseID, LessonID: lessonID})
}

func (t *Tracker) LessonCompleted(userID, courseID, lessonID string) {
	t.Track("lesson_completed", Fields{UserID: userID, CourseID: courseID, LessonID: lessonID})
}

func (t *Tracker) CourseCompleted(userID, courseID string) {
	t.Track("course_completed", Fields{UserID: userID, CourseID: courseID})
}

func (t *Tracker) CommentCreated(userID, courseID, lessonID string) {
	t.Track("comment_created", Fields{UserID: userID, CourseID: courseID, LessonID: lessonID})
}

func (t *Tracker) ReactionAdded(userID, courseID, lessonID string) {
	t.Track("reaction_added", Fields{UserID: userID, CourseID: courseID, LessonID: lessonID})
}
