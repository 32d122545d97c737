package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/besimlabs/besim/internal/proto"
	"github.com/besimlabs/besim/internal/shadow"
	"github.com/go-chi/chi/v5"
)

// setParams maps a writeable room parameter to its SET message.
var setParams = map[string]proto.MsgID{
	"t1":              proto.MsgSetT1,
	"t2":              proto.MsgSetT2,
	"t3":              proto.MsgSetT3,
	"tempcurve":       proto.MsgSetCurve,
	"minsetp":         proto.MsgSetMinHeatSetp,
	"maxsetp":         proto.MsgSetMaxHeatSetp,
	"units":           proto.MsgSetUnits,
	"winter":          proto.MsgSetSeason,
	"sensorinfluence": proto.MsgSetSensorInfluence,
	"advance":         proto.MsgSetAdvance,
	"mode":            proto.MsgSetMode,
}

// roomParamValue projects one readable parameter out of a room snapshot.
func roomParamValue(room shadow.Room, param string) (any, bool) {
	switch param {
	case "t1":
		return room.T1, true
	case "t2":
		return room.T2, true
	case "t3":
		return room.T3, true
	case "temp":
		return room.Temp, true
	case "settemp":
		return room.SetTemp, true
	case "minsetp":
		return room.MinSetp, true
	case "maxsetp":
		return room.MaxSetp, true
	case "mode":
		return room.Mode, true
	case "tempcurve":
		return room.TempCurve, true
	case "units":
		return room.Units, true
	case "winter":
		return room.Winter, true
	case "sensorinfluence":
		return room.SensorInfluence, true
	case "advance":
		return room.Advance, true
	case "boost":
		return room.Boost, true
	case "cmdissued":
		return room.CmdIssued, true
	case "heating":
		return room.Heating, true
	default:
		return nil, false
	}
}

func pathUint32(r *http.Request, name string) (uint32, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	return uint32(v), err
}

// jsonNumber reads the request body as a single raw JSON number.
func jsonNumber(r *http.Request) (int64, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64))
	if err != nil {
		return 0, err
	}
	var v int64
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// historyRange parses the optional from/to query bounds, RFC3339.
func historyRange(r *http.Request) (from, to time.Time, err error) {
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
	}
	return
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Peers())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.DeviceIDs())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUint32(r, "device")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	dev, ok := s.store.Device(deviceID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUint32(r, "device")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.ActiveRoomIDs(deviceID, roomActiveWindow))
}

// roomFromPath resolves the {device}/{room} pair, writing the error
// response itself when the ids do not parse or the room is unknown.
func (s *Server) roomFromPath(w http.ResponseWriter, r *http.Request) (deviceID, roomID uint32, room shadow.Room, ok bool) {
	deviceID, err := pathUint32(r, "device")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return 0, 0, shadow.Room{}, false
	}
	roomID, err = pathUint32(r, "room")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid room id")
		return 0, 0, shadow.Room{}, false
	}
	room, found := s.store.Room(deviceID, roomID)
	if !found {
		s.writeError(w, http.StatusNotFound, "unknown room")
		return 0, 0, shadow.Room{}, false
	}
	return deviceID, roomID, room, true
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	_, _, room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleGetParam(w http.ResponseWriter, r *http.Request) {
	_, _, room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	param := chi.URLParam(r, "param")
	value, known := roomParamValue(room, param)
	if !known {
		s.writeError(w, http.StatusNotFound, "unknown parameter")
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) handlePutParam(w http.ResponseWriter, r *http.Request) {
	deviceID, roomID, _, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	param := chi.URLParam(r, "param")
	msgID, writeable := setParams[param]
	if !writeable {
		if _, known := roomParamValue(shadow.Room{}, param); known {
			s.writeError(w, http.StatusMethodNotAllowed, "parameter is read-only")
		} else {
			s.writeError(w, http.StatusNotFound, "unknown parameter")
		}
		return
	}
	value, err := jsonNumber(r)
	if err != nil || value < 0 || value > 0xffff {
		s.writeError(w, http.StatusBadRequest, "body must be a JSON number")
		return
	}

	res, err := s.sender.Set(r.Context(), deviceID, roomID, msgID, uint16(value), false, s.sendTimeout)
	if err != nil {
		s.log.Warn("set failed", "param", param, "device", deviceID, "room", roomID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errResponse)
		return
	}
	// The device's echo is the acknowledgement; a timeout or a different
	// value means the write did not take.
	if res == nil || res.Value != uint32(value) {
		s.writeJSON(w, http.StatusInternalServerError, errResponse)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse)
}

func (s *Server) handleDays(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUint32(r, "device")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	roomID, err := pathUint32(r, "room")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.ProgramDayIDs(deviceID, roomID))
}

func (s *Server) handleGetDay(w http.ResponseWriter, r *http.Request) {
	deviceID, roomID, _, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	day, err := strconv.ParseUint(chi.URLParam(r, "day"), 10, 16)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid day")
		return
	}
	sched, found := s.store.ProgramDay(deviceID, roomID, uint16(day))
	if !found {
		s.writeError(w, http.StatusNotFound, "unknown day")
		return
	}
	// A []byte would marshal as base64; the schedule goes out as numbers.
	hours := make([]int, len(sched))
	for i, h := range sched {
		hours[i] = int(h)
	}
	s.writeJSON(w, http.StatusOK, hours)
}

func (s *Server) handlePutDay(w http.ResponseWriter, r *http.Request) {
	deviceID, roomID, _, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	day, err := strconv.ParseUint(chi.URLParam(r, "day"), 10, 16)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid day")
		return
	}

	var hours []uint8
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&hours); err != nil || len(hours) != 24 {
		s.writeError(w, http.StatusBadRequest, "body must be a JSON array of 24 numbers")
		return
	}
	var sched [24]byte
	copy(sched[:], hours)

	// PROGRAM carries no sequence number, so there is nothing to wait for;
	// the device's echo will update the shadow.
	if err := s.sender.Program(deviceID, roomID, uint16(day), sched, false); err != nil {
		s.log.Warn("program send failed", "device", deviceID, "room", roomID, "day", day, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errResponse)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse)
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUint32(r, "device")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	res, err := s.sender.DeviceTime(r.Context(), deviceID, 0, false, s.sendTimeout)
	if err != nil || res == nil {
		s.writeJSON(w, http.StatusInternalServerError, errResponse)
		return
	}
	s.writeJSON(w, http.StatusOK, res.Value)
}

func (s *Server) handlePutTime(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUint32(r, "device")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	value, err := jsonNumber(r)
	if err != nil || value < 0 || value > 0xff {
		s.writeError(w, http.StatusBadRequest, "body must be a JSON number")
		return
	}
	res, err := s.sender.DeviceTime(r.Context(), deviceID, uint8(value), true, s.sendTimeout)
	if err != nil || res == nil || res.Value != uint32(value) {
		s.writeJSON(w, http.StatusInternalServerError, errResponse)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse)
}

func (s *Server) handlePutOutsideTemp(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathUint32(r, "device")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	value, err := jsonNumber(r)
	if err != nil || value < 0 || value > 2 {
		s.writeError(w, http.StatusBadRequest, "body must be 0, 1 or 2")
		return
	}
	res, err := s.sender.OutsideTemp(r.Context(), deviceID, uint8(value), s.sendTimeout)
	if err != nil || res == nil || res.Value != uint32(value) {
		s.writeJSON(w, http.StatusInternalServerError, errResponse)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse)
}

func (s *Server) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusInternalServerError, "history not configured")
		return
	}
	_, roomID, _, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	from, to, err := historyRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid time bound")
		return
	}
	samples, err := s.history.Temperature(r.Context(), strconv.FormatUint(uint64(roomID), 10), from, to)
	if err != nil {
		s.log.Warn("history query failed", "room", roomID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if s.weather == nil {
		s.writeError(w, http.StatusInternalServerError, "no coordinates configured")
		return
	}
	doc, err := s.weather.Forecast(r.Context())
	if err != nil {
		s.log.Warn("forecast fetch failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "upstream fetch failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (s *Server) handleWeatherHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusInternalServerError, "history not configured")
		return
	}
	from, to, err := historyRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid time bound")
		return
	}
	samples, err := s.history.OutsideTemperature(r.Context(), from, to)
	if err != nil {
		s.log.Warn("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, samples)
}
