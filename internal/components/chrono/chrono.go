package chrono

import "time"

type TimeAPI interface {
	Now() time.Time
	Location() *time.Location
}

// StandardImpl reports time in the portal's timezone so logs and status
// line up with the enrollment schedule.
type StandardImpl struct {
	location *time.Location
}

func NewStandardImpl() StandardImpl {
	location, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		location = time.FixedZone("CST", 8*60*60)
	}
	return StandardImpl{location: location}
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}
