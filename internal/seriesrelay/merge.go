package seriesrelay

// SeriesInfo is the query-service description of one series.
type SeriesInfo struct {
	Key         SeriesKey
	Description string
	Modality    string
	// InstanceCount is NumberOfSeriesRelatedInstances, used to size a
	// 100%-complete progress display.
	InstanceCount int
}

// StudyInfo is the query-service description of one study and its series.
type StudyInfo struct {
	Source           string
	StudyInstanceUID string
	Description      string
	PatientID        string
	AccessionNumber  string
	StudyDate        string
	SeriesCount      int
	Series           []SeriesInfo
}

// SeriesView is one series as presented to the caller: query metadata joined
// with live receive state, the reconciled pull state, and the existence-check
// result.
type SeriesView struct {
	Info          SeriesInfo
	State         PullState
	ReceivedCount int
	// Errors concatenates daemon-reported errors with the existence
	// check's own transport error, if any. Additive, never cleared.
	Errors []string
	Found  *FoundResource
}

// StudyView is one study with its merged series rows, in query order.
type StudyView struct {
	Info   StudyInfo
	Series []SeriesView
}

// MergeStudies joins query results with the tracker's receive state, the
// existence-check outcomes, and the pull-request records. Pure with respect
// to its inputs; call it again whenever any input changes.
func MergeStudies(studies []StudyInfo, tracker *Tracker, checks *SeriesMap[ExistenceOutcome], pulls *SeriesMap[PullRequestState]) []StudyView {
	views := make([]StudyView, 0, len(studies))
	for _, study := range studies {
		view := StudyView{Info: study, Series: make([]SeriesView, 0, len(study.Series))}
		for _, series := range study.Series {
			view.Series = append(view.Series, mergeSeries(series, tracker, checks, pulls))
		}
		views = append(views, view)
	}
	return views
}

func mergeSeries(info SeriesInfo, tracker *Tracker, checks *SeriesMap[ExistenceOutcome], pulls *SeriesMap[PullRequestState]) SeriesView {
	var rs ReceiveState
	if tracker != nil {
		rs = tracker.State(info.Key)
	}
	var check ExistenceOutcome
	if checks != nil {
		check, _ = checks.Get(info.Key)
	}
	pull := PullNotRequested
	if pulls != nil {
		if requested, ok := pulls.Get(info.Key); ok {
			pull = requested
		}
	}

	errs := append([]string(nil), rs.Errors...)
	if check.Err != "" {
		errs = append(errs, check.Err)
	}
	return SeriesView{
		Info:          info,
		State:         PullStateOf(rs, pull, check),
		ReceivedCount: rs.ReceivedCount,
		Errors:        errs,
		Found:         check.Found,
	}
}
