// Package crawlertest provides an in-process imitation of the enrollment portal for
// tests, it mirrors the page sequence, tokens and cookies the real portal uses.
package crawlertest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/mazen160/go-random"
)

const sessionCookie = "JSESSIONID"

// CorruptionMarker matches crawler.CorruptionMarker.
const CorruptionMarker = "不合法執行選課系統"

// PNGHeader is served as the captcha image.
var PNGHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stage int

const (
	stageAnonymous stage = iota
	stageAuthenticated
	stageConfirmed
	stageReady
)

// Portal is a fake enrollment portal. Exported fields must only be changed before the
// first request, use the setter methods afterwards.
type Portal struct {
	Server *httptest.Server

	Token       string
	Account     string
	Password    string
	Answer      string
	StudentName string

	mutex          sync.Mutex
	counts         map[string]int
	sessions       map[string]stage
	corruptQueries int
	emptyQueries   int
	failQueries    int
	logins         int
	queries        int
}

func NewPortal() *Portal {
	p := &Portal{
		Token:       "a1b2c3d4",
		Account:     "41047000S",
		Password:    "hunter2",
		Answer:      "6",
		StudentName: "王小明",
		counts:      map[string]int{},
		sessions:    map[string]stage{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /AasEnrollStudent/LoginCheckCtrl", p.handleLoginPage)
	mux.HandleFunc("POST /AasEnrollStudent/LoginCheckCtrl", p.handleLogin)
	mux.HandleFunc("GET /AasEnrollStudent/RandImage", p.handleCaptcha)
	mux.HandleFunc("GET /AasEnrollStudent/IndexCtrl", p.handleIndex)
	mux.HandleFunc("POST /AasEnrollStudent/LoginCtrl", p.handleConfirmName)
	mux.HandleFunc("GET /AasEnrollStudent/EnrollCtrl", p.handleEnroll)
	mux.HandleFunc("GET /AasEnrollStudent/CourseQueryCtrl", p.handleQueryPage)
	mux.HandleFunc("POST /AasEnrollStudent/CourseQueryCtrl", p.handleQuery)
	p.Server = httptest.NewServer(mux)
	return p
}

func (p *Portal) URL() string {
	return p.Server.URL
}

func (p *Portal) Close() {
	p.Server.Close()
}

// SetCount sets the number of open seats of a course.
func (p *Portal) SetCount(courseId string, count int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.counts[courseId] = count
}

// CorruptNextQueries makes the next n queries answer with the corruption marker.
func (p *Portal) CorruptNextQueries(n int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.corruptQueries = n
}

// EmptyNextQueries makes the next n queries answer with an empty body.
func (p *Portal) EmptyNextQueries(n int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.emptyQueries = n
}

// FailNextQueries makes the next n queries answer with status 500.
func (p *Portal) FailNextQueries(n int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.failQueries = n
}

// Invalidate drops every session, like the portal does on suspicious activity.
func (p *Portal) Invalidate() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.sessions = map[string]stage{}
}

// Logins returns the number of successful logins.
func (p *Portal) Logins() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.logins
}

// Queries returns the number of seat queries received.
func (p *Portal) Queries() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.queries
}

// session returns the caller's session id, p.mutex must be held.
func (p *Portal) session(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(sessionCookie)
	if err == nil {
		if _, ok := p.sessions[cookie.Value]; ok {
			return cookie.Value
		}
	}
	id, err := random.String(32)
	if err != nil {
		panic(err)
	}
	p.sessions[id] = stageAnonymous
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/"})
	return id
}

func writeCorrupted(w http.ResponseWriter) {
	fmt.Fprintf(w, "<html><script>alert('%s');</script></html>", CorruptionMarker)
}

// require checks that the session reached at least the given stage.
func (p *Portal) require(w http.ResponseWriter, r *http.Request, minimum stage) (string, bool) {
	id := p.session(w, r)
	if p.sessions[id] < minimum {
		writeCorrupted(w)
		return id, false
	}
	return id, true
}

func (p *Portal) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.session(w, r)
	fmt.Fprintf(w, `<html><head><script>
Ext.onReady(function() {
	Ext.Ajax.request({
		url:'LoginCheckCtrl?action=login&id=' + '%s',
		method: 'POST'
	});
});
</script></head><body></body></html>`, p.Token)
}

func (p *Portal) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.session(w, r)
	w.Write(PNGHeader)
}

func (p *Portal) handleLogin(w http.ResponseWriter, r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	id := p.session(w, r)
	if r.URL.Query().Get("action") != "login" ||
		r.URL.Query().Get("id") != p.Token ||
		r.FormValue("userid") != p.Account ||
		r.FormValue("password") != p.Password ||
		r.FormValue("checkTW") != "1" ||
		r.FormValue("validateCode") != p.Answer {
		w.Write([]byte("{success:false,msg:'驗證碼錯誤'}"))
		return
	}
	p.sessions[id] = stageAuthenticated
	p.logins++
	w.Write([]byte("{success:true}"))
}

func (p *Portal) handleIndex(w http.ResponseWriter, r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, ok := p.require(w, r, stageAuthenticated); !ok {
		return
	}
	fmt.Fprintf(w, "<script>\r\nvar form = {\r\n    xtype: 'textfield',\r\n    name: 'stdName',\r\n    fieldLabel: '姓名',\r\n    value: '%s'\r\n};\r\n</script>", p.StudentName)
}

func (p *Portal) handleConfirmName(w http.ResponseWriter, r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	id, ok := p.require(w, r, stageAuthenticated)
	if !ok {
		return
	}
	if r.FormValue("stdName") != p.StudentName || r.FormValue("userid") != p.Account {
		writeCorrupted(w)
		return
	}
	p.sessions[id] = stageConfirmed
	w.Write([]byte("<html>ok</html>"))
}

func (p *Portal) handleEnroll(w http.ResponseWriter, r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, ok := p.require(w, r, stageConfirmed); !ok {
		return
	}
	w.Write([]byte("<html>enroll</html>"))
}

func (p *Portal) handleQueryPage(w http.ResponseWriter, r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	id, ok := p.require(w, r, stageConfirmed)
	if !ok {
		return
	}
	p.sessions[id] = stageReady
	w.Write([]byte("<html>query</html>"))
}

func (p *Portal) handleQuery(w http.ResponseWriter, r *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.queries++

	if p.failQueries > 0 {
		p.failQueries--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, ok := p.require(w, r, stageReady); !ok {
		return
	}
	if p.corruptQueries > 0 {
		p.corruptQueries--
		writeCorrupted(w)
		return
	}
	if p.emptyQueries > 0 {
		p.emptyQueries--
		return
	}

	course := r.FormValue("serialNo")
	fmt.Fprintf(
		w,
		`{"Count":%s,"List":[{"serialNo":"%s","v_chn_name":"course"}]}`,
		strconv.Itoa(p.counts[course]),
		course,
	)
}
